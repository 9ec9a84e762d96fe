package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type tenantKey struct{}

// AllTenants is the app.tenant_id value the row policies treat as
// unrestricted. Only WithSystemTx sets it.
const AllTenants = "*"

// ErrNoTenant is returned when a tenant-scoped operation has no tenant id.
var ErrNoTenant = errors.New("tenant id not set")

func checkTenant(tenantID string) error {
	if tenantID == "" || tenantID == AllTenants {
		return ErrNoTenant
	}
	return nil
}

// WithTenant returns a context carrying the tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom returns the tenant id carried by ctx.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}

// Acquirer is the subset of a pool needed to hand out connections.
type Acquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// WithTenantConn runs fn on a pooled connection whose app.tenant_id setting
// is the given tenant. The setting is reset before the connection returns to
// the pool; if the reset fails the connection is closed instead, so no other
// request can inherit the tenant.
func WithTenantConn(ctx context.Context, pool Acquirer, tenantID string, fn func(conn *pgxpool.Conn) error) (err error) {
	if err := checkTenant(tenantID); err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() {
		// The caller's ctx may already be done; the reset must still run.
		if _, rerr := conn.Exec(context.WithoutCancel(ctx), `RESET app.tenant_id`); rerr != nil {
			_ = conn.Hijack().Close(context.WithoutCancel(ctx))
			if err == nil {
				err = fmt.Errorf("failed to reset tenant context: %w", rerr)
			}
			return
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, `SELECT set_config('app.tenant_id', $1, false)`, tenantID); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}
	return fn(conn)
}

// Beginner starts transactions.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTenantTx runs fn in a transaction with a transaction-local tenant
// setting. fn's error rolls back.
func WithTenantTx(ctx context.Context, db Beginner, tenantID string, fn func(tx pgx.Tx) error) error {
	if err := checkTenant(tenantID); err != nil {
		return err
	}
	return scopedTx(ctx, db, tenantID, fn)
}

// WithSystemTx runs fn in a transaction that sees every tenant's rows. It is
// for worker paths that address rows by a globally unique id.
func WithSystemTx(ctx context.Context, db Beginner, fn func(tx pgx.Tx) error) error {
	return scopedTx(ctx, db, AllTenants, fn)
}

func scopedTx(ctx context.Context, db Beginner, tenantID string, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
			return fmt.Errorf("failed to set tenant context: %w", err)
		}
		return fn(tx)
	})
}
