package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/tools"
)

// Built-in agent ids used by the shipped workflows.
const (
	PageFetcherID      = "page_fetcher"
	KeywordExtractorID = "keyword_extractor"
	LinkAuditorID      = "link_auditor"
	ReportWriterID     = "report_writer"
)

const pagePath = "pages/page.html"

// RegisterBuiltins adds the SEO pipeline agents.
func RegisterBuiltins(r *Registry) error {
	for _, a := range []Agent{
		&Func{Name: PageFetcherID, Handle: fetchPage},
		&Func{Name: KeywordExtractorID, Handle: extractKeywords},
		&Func{Name: LinkAuditorID, Handle: auditLinks},
		&Func{Name: ReportWriterID, Handle: writeReport},
	} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// fetchPage downloads params.url and stores the body in the workspace.
func fetchPage(ctx context.Context, in Input, actx *Context) (Output, error) {
	target, _ := in.Params["url"].(string)
	if target == "" {
		return nil, apperrors.Validationf("page_fetcher needs a url param")
	}

	res, err := actx.Tools.Run(ctx, tools.HTTPFetchID, map[string]any{"url": target})
	if err != nil {
		return nil, err
	}
	if err := actx.CheckCancelled(ctx); err != nil {
		return nil, err
	}

	body, _ := res["body"].(string)
	if _, err := actx.Tools.Run(ctx, tools.FSWriteID, map[string]any{"path": pagePath, "content": body}); err != nil {
		return nil, err
	}
	_ = actx.Emit(ctx, "stage.progress", map[string]any{"message": "page fetched", "bytes": len(body)})

	return Output{
		"url":          target,
		"final_url":    res["final_url"],
		"status":       toInt(res["status"]),
		"content_type": res["content_type"],
		"bytes":        len(body),
		"path":         pagePath,
	}, nil
}

var (
	tagRe    = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	wordRe   = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}'-]*`)
	hrefRe   = regexp.MustCompile(`(?i)<a\s[^>]*href\s*=\s*["']([^"']+)["'][^>]*>`)
	relRe    = regexp.MustCompile(`(?i)\brel\s*=\s*["'][^"']*nofollow`)
	titleRe  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	stopword = map[string]bool{
		"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
		"by": true, "for": true, "from": true, "has": true, "in": true, "is": true, "it": true,
		"its": true, "of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
		"to": true, "was": true, "were": true, "will": true, "with": true, "you": true, "your": true,
	}
)

// Keyword is one ranked term.
type Keyword struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// extractKeywords ranks the most frequent terms of the fetched page.
func extractKeywords(ctx context.Context, in Input, actx *Context) (Output, error) {
	page, err := readUpstreamPage(ctx, in, actx)
	if err != nil {
		return nil, err
	}
	topN := toInt(in.Params["top_n"])
	if topN <= 0 {
		topN = 20
	}
	seed, _ := in.Params["seed_keyword"].(string)

	keywords := rankKeywords(page, topN)
	out := Output{"keywords": keywords, "total_terms": len(wordRe.FindAllString(stripTags(page), -1))}
	if seed != "" {
		out["seed_keyword"] = seed
		out["seed_count"] = strings.Count(strings.ToLower(stripTags(page)), strings.ToLower(seed))
	}
	_ = actx.Emit(ctx, "keyword.updated", map[string]any{"count": len(keywords)})
	return out, nil
}

func rankKeywords(html string, topN int) []Keyword {
	counts := make(map[string]int)
	for _, w := range wordRe.FindAllString(stripTags(html), -1) {
		w = strings.ToLower(w)
		if len(w) < 3 || stopword[w] {
			continue
		}
		counts[w]++
	}
	ranked := make([]Keyword, 0, len(counts))
	for term, n := range counts {
		ranked = append(ranked, Keyword{Term: term, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Term < ranked[j].Term
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// auditLinks classifies the anchors of the fetched page.
func auditLinks(ctx context.Context, in Input, actx *Context) (Output, error) {
	page, err := readUpstreamPage(ctx, in, actx)
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(upstreamString(in, "url"))

	var internal, external, nofollow, malformed int
	seen := make(map[string]bool)
	for _, m := range hrefRe.FindAllStringSubmatch(page, -1) {
		href := strings.TrimSpace(m[1])
		if strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") || strings.HasPrefix(strings.ToLower(href), "mailto:") {
			continue
		}
		if relRe.MatchString(m[0]) {
			nofollow++
		}
		u, err := url.Parse(href)
		if err != nil {
			malformed++
			continue
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		if base != nil && strings.EqualFold(u.Hostname(), base.Hostname()) {
			internal++
		} else {
			external++
		}
	}

	title := ""
	if m := titleRe.FindStringSubmatch(page); m != nil {
		title = strings.TrimSpace(m[1])
	}
	return Output{
		"links_total": internal + external,
		"internal":    internal,
		"external":    external,
		"nofollow":    nofollow,
		"malformed":   malformed,
		"title":       title,
	}, nil
}

// writeReport merges every upstream output into a JSON report.
func writeReport(ctx context.Context, in Input, actx *Context) (Output, error) {
	if err := actx.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	report := map[string]any{
		"flowRunId": actx.RunID,
		"projectId": actx.ProjectID,
		"stages":    in.Upstream,
		"score":     score(in.Upstream),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	path := "reports/" + actx.RunID + ".json"
	if _, err := actx.Tools.Run(ctx, tools.FSWriteID, map[string]any{"path": path, "content": string(data)}); err != nil {
		return nil, err
	}
	_ = actx.Emit(ctx, "content.published", map[string]any{"path": path})
	return Output{"path": path, "score": report["score"]}, nil
}

// score is a coarse 0-100 health figure from link and keyword signals.
func score(upstream map[string]map[string]any) int {
	s := 100
	for _, out := range upstream {
		if toInt(out["malformed"]) > 0 {
			s -= 10
		}
		if v, ok := out["title"]; ok && v == "" {
			s -= 20
		}
		if v, ok := out["links_total"]; ok && toInt(v) == 0 {
			s -= 15
		}
		if v, ok := out["keywords"]; ok && isEmpty(v) {
			s -= 25
		}
	}
	return max(s, 0)
}

func readUpstreamPage(ctx context.Context, in Input, actx *Context) (string, error) {
	path := upstreamString(in, "path")
	if path == "" {
		path = pagePath
	}
	res, err := actx.Tools.Run(ctx, tools.FSReadID, map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	if err := actx.CheckCancelled(ctx); err != nil {
		return "", err
	}
	content, _ := res["content"].(string)
	return content, nil
}

// upstreamString finds key in any upstream output, falling back to params.
func upstreamString(in Input, key string) string {
	ids := make([]string, 0, len(in.Upstream))
	for id := range in.Upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if v, ok := in.Upstream[id][key].(string); ok && v != "" {
			return v
		}
	}
	v, _ := in.Params[key].(string)
	return v
}

func stripTags(html string) string {
	return tagRe.ReplaceAllString(html, " ")
}

// toInt accepts the numeric shapes a value may take before and after a JSON round trip.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func isEmpty(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case []Keyword:
		return len(s) == 0
	case []any:
		return len(s) == 0
	}
	return false
}
