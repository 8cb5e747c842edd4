// Package dag builds the directed acyclic graph of job execution order for
// one pipeline run. Implicit stage ordering and explicit needs edges are
// unified into a single edge-generation pass here; the scheduler never
// special-cases stage boundaries at execution time.
package dag

import (
	"context"
	"fmt"
	"sort"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/rules"
)

// CycleError reports that the dependency graph is not acyclic. It is fatal:
// the run never starts.
type CycleError struct {
	Node string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving job %q", e.Node)
}

// Graph is a validated job DAG plus per-node resolved upstream sets. It is
// owned by exactly one pipeline run.
type Graph struct {
	Nodes map[string]*Node
}

// Build constructs the graph for one run from the static pipeline and the
// per-job rule decisions. Excluded jobs are dropped entirely; gated jobs
// become Gate nodes; jobs whose rules failed to evaluate are kept so the
// scheduler can fail them and cascade skips.
//
// Edge generation: a job with explicit needs depends on exactly those of
// its named targets that survived rule evaluation; stage ordering is
// overridden for it. A job without needs depends on every surviving job of
// the nearest earlier stage that still has survivors.
func Build(ctx context.Context, p *config.Pipeline, decisions map[string]rules.Decision, ruleErrs map[string]error) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: starting graph construction.")

	g := &Graph{Nodes: make(map[string]*Node)}

	// First pass: create a node for every surviving job.
	for _, name := range p.JobNames() {
		if decisions[name] == rules.Excluded && ruleErrs[name] == nil {
			continue
		}
		g.Nodes[name] = &Node{
			Job:        p.Jobs[name],
			Gate:       decisions[name] == rules.ManualGate,
			RuleError:  ruleErrs[name],
			deps:       make(map[string]*Node),
			dependents: make(map[string]*Node),
		}
	}
	logger.Debug("Build: node creation complete.", "node_count", len(g.Nodes))

	// Second pass: link edges.
	byStage := survivorsByStage(p, g)
	for _, n := range g.Nodes {
		if len(n.Job.Needs) > 0 {
			for _, need := range n.Job.Needs {
				// A need on a rule-excluded job is dropped, not an error.
				if up, ok := g.Nodes[need]; ok {
					addEdge(up, n)
				}
			}
			continue
		}
		for _, up := range previousStageSurvivors(p, byStage, n.Job.Stage) {
			addEdge(up, n)
		}
	}
	logger.Debug("Build: edge generation complete.")

	// Third pass: initialize the unmet-dependency counters.
	for _, n := range g.Nodes {
		n.depCount.Store(int32(len(n.deps)))
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	logger.Debug("Build: cycle detection passed.")

	return g, nil
}

func addEdge(from, to *Node) {
	if from == to {
		return
	}
	to.deps[from.Name()] = from
	from.dependents[to.Name()] = to
}

// survivorsByStage groups the graph's nodes by declared stage ordinal.
func survivorsByStage(p *config.Pipeline, g *Graph) [][]*Node {
	byStage := make([][]*Node, len(p.Stages))
	for _, name := range p.JobNames() {
		n, ok := g.Nodes[name]
		if !ok {
			continue
		}
		idx := p.StageIndex(n.Job.Stage)
		byStage[idx] = append(byStage[idx], n)
	}
	return byStage
}

// previousStageSurvivors returns the surviving jobs of the nearest earlier
// stage with any survivors. A fully excluded intermediate stage collapses
// rather than detaching its successors from the order.
func previousStageSurvivors(p *config.Pipeline, byStage [][]*Node, stage string) []*Node {
	for i := p.StageIndex(stage) - 1; i >= 0; i-- {
		if len(byStage[i]) > 0 {
			return byStage[i]
		}
	}
	return nil
}

// detectCycles performs a depth-first topological check using the classic
// three-set coloring: permanent nodes are fully visited, temporary nodes are
// on the current recursion stack, everything else is unvisited.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		if permanent[n.Name()] {
			return nil
		}
		if temporary[n.Name()] {
			return &CycleError{Node: n.Name()}
		}
		temporary[n.Name()] = true
		for _, dependent := range n.dependents {
			if err := visit(dependent); err != nil {
				return err
			}
		}
		delete(temporary, n.Name())
		permanent[n.Name()] = true
		return nil
	}

	for _, n := range g.Nodes {
		if !permanent[n.Name()] {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Roots returns the nodes with no unmet dependencies, in stable order.
func (g *Graph) Roots() []*Node {
	var roots []*Node
	for _, name := range sortedKeys(g.Nodes) {
		if n := g.Nodes[name]; len(n.deps) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
