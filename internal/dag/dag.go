// Package dag validates workflow definitions and answers dependency questions
// about their stage graphs.
package dag

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Graph is a validated, immutable workflow definition.
type Graph struct {
	def        models.WorkflowDefinition
	index      map[string]int
	dependents map[string][]string
	order      []string
}

// Compile validates def and builds its graph. It fails with a
// *apperrors.ValidationError for missing fields, duplicate stage ids,
// unknown dependencies or cycles.
func Compile(def models.WorkflowDefinition) (*Graph, error) {
	if err := validate.Struct(def); err != nil {
		return nil, apperrors.Validationf("workflow %q: %v", def.Name, err)
	}

	g := &Graph{
		def:        cloneDefinition(def),
		index:      make(map[string]int, len(def.Stages)),
		dependents: make(map[string][]string, len(def.Stages)),
	}
	for i, s := range g.def.Stages {
		if _, dup := g.index[s.ID]; dup {
			return nil, apperrors.Validationf("workflow %q: duplicate stage id %q", def.Name, s.ID)
		}
		g.index[s.ID] = i
	}
	for _, s := range g.def.Stages {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, &apperrors.ValidationError{
					Reason: fmt.Sprintf("workflow %q: stage depends on itself", def.Name),
					Cycle:  []string{s.ID, s.ID},
				}
			}
			if _, ok := g.index[dep]; !ok {
				return nil, apperrors.Validationf("workflow %q: stage %q depends on unknown stage %q", def.Name, s.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort orders stages with Kahn's algorithm, keeping declaration order
// among ready stages. Leftover stages form at least one cycle, which is
// reported.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.def.Stages))
	for _, s := range g.def.Stages {
		indegree[s.ID] = len(uniq(s.DependsOn))
	}

	var ready []string
	for _, s := range g.def.Stages {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	order := make([]string, 0, len(g.def.Stages))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, child := range g.dependents[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) == len(g.def.Stages) {
		return order, nil
	}
	remaining := make(map[string]bool)
	for id, d := range indegree {
		if d > 0 {
			remaining[id] = true
		}
	}
	return nil, &apperrors.ValidationError{
		Reason: fmt.Sprintf("workflow %q contains a cycle", g.def.Name),
		Cycle:  g.findCycle(remaining),
	}
}

// findCycle walks parent edges inside the unresolved set until a stage
// repeats, which must happen since every remaining stage still has an
// unresolved parent.
func (g *Graph) findCycle(remaining map[string]bool) []string {
	var start string
	for _, s := range g.def.Stages {
		if remaining[s.ID] {
			start = s.ID
			break
		}
	}
	pos := map[string]int{}
	var path []string
	cur := start
	for {
		if i, ok := pos[cur]; ok {
			cycle := append([]string(nil), path[i:]...)
			cycle = append(cycle, cur)
			slices.Reverse(cycle)
			return cycle
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, dep := range g.def.Stages[g.index[cur]].DependsOn {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// Name returns the workflow name.
func (g *Graph) Name() string { return g.def.Name }

// Definition returns a copy of the underlying definition.
func (g *Graph) Definition() models.WorkflowDefinition { return cloneDefinition(g.def) }

// Stage returns the stage with the given id.
func (g *Graph) Stage(id string) (models.StageDefinition, bool) {
	i, ok := g.index[id]
	if !ok {
		return models.StageDefinition{}, false
	}
	return g.def.Stages[i], true
}

// Stages returns stage definitions in declaration order.
func (g *Graph) Stages() []models.StageDefinition {
	return cloneDefinition(g.def).Stages
}

// RootStages returns stages with no dependencies, in declaration order.
func (g *Graph) RootStages() []models.StageDefinition {
	var roots []models.StageDefinition
	for _, s := range g.def.Stages {
		if len(s.DependsOn) == 0 {
			roots = append(roots, s)
		}
	}
	return roots
}

// DependentsOf returns the ids of stages that name id in DependsOn.
func (g *Graph) DependentsOf(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// DependencyCount returns the number of distinct parents of id.
func (g *Graph) DependencyCount(id string) int {
	s, ok := g.Stage(id)
	if !ok {
		return 0
	}
	return len(uniq(s.DependsOn))
}

// TransitiveDependents returns every stage reachable from id along
// dependency edges, sorted.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	stack := g.DependentsOf(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.dependents[cur]...)
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns stage ids such that every stage follows its parents.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Registry holds compiled workflows by name.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]*Graph)}
}

// Register compiles and stores def, replacing any workflow of the same name.
// Nothing is stored when validation fails.
func (r *Registry) Register(def models.WorkflowDefinition) (*Graph, error) {
	g, err := Compile(def)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.Name()] = g
	return g, nil
}

// Get returns the workflow registered under name.
func (r *Registry) Get(name string) (*Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[name]
	return g, ok
}

// Names returns registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.graphs))
	for n := range r.graphs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func cloneDefinition(def models.WorkflowDefinition) models.WorkflowDefinition {
	out := def
	out.Stages = make([]models.StageDefinition, len(def.Stages))
	for i, s := range def.Stages {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		out.Stages[i] = s
	}
	return out
}
