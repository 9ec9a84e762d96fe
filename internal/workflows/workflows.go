// Package workflows loads workflow definitions from YAML.
package workflows

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"seo-agents/backend/internal/dag"
	"seo-agents/backend/pkg/models"
)

//go:embed definitions/*.yaml
var builtin embed.FS

// Parse decodes one YAML workflow definition. Unknown keys are rejected.
func Parse(data []byte) (models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("failed to parse workflow: %w", err)
	}
	return def, nil
}

// Builtin returns the workflow definitions shipped with the binary.
func Builtin() ([]models.WorkflowDefinition, error) {
	return loadFS(builtin, "definitions")
}

// LoadDir reads every *.yaml and *.yml file in dir.
func LoadDir(dir string) ([]models.WorkflowDefinition, error) {
	return loadFS(os.DirFS(dir), ".")
}

func loadFS(fsys fs.FS, dir string) ([]models.WorkflowDefinition, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var defs []models.WorkflowDefinition
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, e.Name())))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterAll registers defs, stopping at the first invalid definition.
func RegisterAll(r *dag.Registry, defs []models.WorkflowDefinition) error {
	for _, def := range defs {
		if _, err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
