// Package depgraph maintains the dependency graph between state variables
// of a campaign. Nodes are qualified variable names ("settlement.population"),
// edges are the var references found in derived-variable formulas. The graph
// answers two questions: does any formula cycle exist, and which derived
// values are downstream of a given variable.
package depgraph

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/model"
)

// Node is one qualified variable name. Several variable rows can share one
// name (the same key on different settlements); they collapse into one node
// and all their IDs are kept.
type Node struct {
	Name        string              `json:"name"`
	Scope       model.VariableScope `json:"scope"`
	Key         string              `json:"key"`
	Derived     bool                `json:"derived"`
	VariableIDs []uuid.UUID         `json:"variable_ids"`
}

// Graph is an immutable snapshot of the variable dependencies of one
// campaign branch. Build constructs it; callers must not mutate it.
type Graph struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	BranchID   uuid.UUID `json:"branch_id"`
	BuiltAt    time.Time `json:"built_at"`

	Nodes      map[string]*Node    `json:"nodes"`
	DependsOn  map[string][]string `json:"depends_on"` // name -> names its formula reads
	Dependents map[string][]string `json:"dependents"` // reverse edges
}

// QualifiedName is the name a variable resolves under in formulas: the
// lowercase scope followed by the key, e.g. "kingdom.unrest".
func QualifiedName(v *model.StateVariable) string {
	return v.Scope.ContextKey() + "." + v.Key
}

// Build assembles the graph from the campaign's variables. Derived formulas
// are scanned for var references; references that do not resolve to a known
// variable are dropped.
func Build(campaignID, branchID uuid.UUID, vars []*model.StateVariable) *Graph {
	g := &Graph{
		CampaignID: campaignID,
		BranchID:   branchID,
		BuiltAt:    time.Now().UTC(),
		Nodes:      make(map[string]*Node),
		DependsOn:  make(map[string][]string),
		Dependents: make(map[string][]string),
	}

	for _, v := range vars {
		name := QualifiedName(v)
		node, ok := g.Nodes[name]
		if !ok {
			node = &Node{Name: name, Scope: v.Scope, Key: v.Key}
			g.Nodes[name] = node
		}
		node.VariableIDs = append(node.VariableIDs, v.ID)
		node.Derived = node.Derived || v.Derived()
	}

	edges := make(map[string]map[string]struct{})
	for _, v := range vars {
		if !v.Derived() || v.Formula == nil {
			continue
		}
		from := QualifiedName(v)
		for _, ref := range ScanReferences(v.Formula) {
			to, ok := g.resolve(ref)
			if !ok {
				continue
			}
			set, ok := edges[from]
			if !ok {
				set = make(map[string]struct{})
				edges[from] = set
			}
			set[to] = struct{}{}
		}
	}

	for from, set := range edges {
		for to := range set {
			g.DependsOn[from] = append(g.DependsOn[from], to)
			g.Dependents[to] = append(g.Dependents[to], from)
		}
	}
	for _, m := range []map[string][]string{g.DependsOn, g.Dependents} {
		for _, names := range m {
			sort.Strings(names)
		}
	}
	return g
}

// resolve maps a var reference path to a node name. An exact match wins;
// deeper paths ("settlement.stats.morale") fall back to their two-segment
// prefix so references into JSON-typed variables still count.
func (g *Graph) resolve(ref string) (string, bool) {
	if _, ok := g.Nodes[ref]; ok {
		return ref, true
	}
	segs := strings.SplitN(ref, ".", 3)
	if len(segs) >= 2 {
		prefix := segs[0] + "." + segs[1]
		if _, ok := g.Nodes[prefix]; ok {
			return prefix, true
		}
	}
	return "", false
}

// ScanReferences collects every var path mentioned in a formula, sorted and
// deduplicated. Dynamic paths (a var whose path is itself computed) cannot
// be scanned and are skipped.
func ScanReferences(formula map[string]any) []string {
	set := make(map[string]struct{})
	scanNode(formula, set)
	refs := make([]string, 0, len(set))
	for r := range set {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

func scanNode(node any, out map[string]struct{}) {
	switch v := node.(type) {
	case map[string]any:
		for op, args := range v {
			if op == "var" {
				if path, ok := referencePath(args); ok {
					out[path] = struct{}{}
				}
			}
			scanNode(args, out)
		}
	case []any:
		for _, elem := range v {
			scanNode(elem, out)
		}
	}
}

func referencePath(args any) (string, bool) {
	switch a := args.(type) {
	case string:
		return a, a != ""
	case []any:
		if len(a) > 0 {
			if s, ok := a[0].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// Cycles finds formula loops with Tarjan's strongly connected components.
// Any component of two or more nodes is a cycle, as is a node whose formula
// references its own name. Output is deterministic: cycles and their
// members are sorted.
func (g *Graph) Cycles() [][]string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	t := &tarjan{
		edges:   g.DependsOn,
		index:   make(map[string]int, len(names)),
		lowlink: make(map[string]int, len(names)),
		onStack: make(map[string]bool, len(names)),
	}
	for _, name := range names {
		if _, seen := t.index[name]; !seen {
			t.strongConnect(name)
		}
	}

	var cycles [][]string
	for _, scc := range t.sccs {
		if len(scc) > 1 || g.selfLoop(scc[0]) {
			sort.Strings(scc)
			cycles = append(cycles, scc)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

func (g *Graph) selfLoop(name string) bool {
	for _, to := range g.DependsOn[name] {
		if to == name {
			return true
		}
	}
	return false
}

type tarjan struct {
	edges   map[string][]string
	counter int
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	sccs    [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.edges[v] {
		if _, seen := t.index[w]; !seen {
			t.strongConnect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []string
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// TransitiveDependents walks reverse edges from a node and returns every
// name whose value can change when the given one does, sorted. The node
// itself is not included. Unknown names return nil.
func (g *Graph) TransitiveDependents(name string) []string {
	if _, ok := g.Nodes[name]; !ok {
		return nil
	}
	seen := map[string]bool{name: true}
	queue := []string{name}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.Dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	sort.Strings(out)
	return out
}
