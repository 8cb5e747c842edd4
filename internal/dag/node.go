package dag

import (
	"sync"
	"sync/atomic"

	"github.com/conveyor-ci/conveyor/internal/config"
)

// State is the execution state of one job node in the graph.
type State int32

const (
	// Pending means the node is waiting for its upstream set.
	Pending State = iota
	// Gated means the node's upstreams are satisfied but it requires an
	// explicit external trigger before it may run.
	Gated
	// Runnable means the node has been handed to the worker pool but no
	// worker has picked it up yet.
	Runnable
	// Running means a worker is currently executing the node.
	Running
	// Succeeded is terminal success.
	Succeeded
	// Failed is terminal failure after retries are exhausted.
	Failed
	// AllowedFailed is terminal failure of an allow_failure job; dependents
	// treat it as satisfied and the run status ignores it.
	AllowedFailed
	// Skipped means an upstream failed terminally, so the node never ran.
	Skipped
)

// String returns the lowercase state name used in logs and API output.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Gated:
		return "gated"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case AllowedFailed:
		return "allowed_failed"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Terminal reports whether the state is one a node never leaves.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, AllowedFailed, Skipped:
		return true
	}
	return false
}

// Satisfies reports whether an upstream in this state unblocks dependents.
func (s State) Satisfies() bool {
	return s == Succeeded || s == AllowedFailed
}

// Node is a single vertex in the execution graph: one job plus its resolved
// upstream and downstream sets and its scheduling state.
type Node struct {
	// Job is the static job definition this node executes.
	Job *config.Job
	// Gate is true when rule evaluation decided ManualGate for this node.
	Gate bool
	// RuleError carries a per-job rule evaluation failure; the scheduler
	// fails such nodes immediately without executing them.
	RuleError error

	deps       map[string]*Node
	dependents map[string]*Node

	// state is managed atomically; transitions serialize through the
	// scheduler's event loop.
	state atomic.Int32
	// depCount counts unmet upstream dependencies.
	depCount atomic.Int32
	// skipOnce guarantees the skip transition happens at most once even
	// when several failing upstreams cascade into the same node.
	skipOnce sync.Once
}

// Name returns the job name, which doubles as the node ID.
func (n *Node) Name() string {
	return n.Job.Name
}

// State atomically reads the node's current state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// SetState atomically sets the node's state.
func (n *Node) SetState(s State) {
	n.state.Store(int32(s))
}

// DecrementDepCount atomically decrements the unmet-dependency counter and
// returns the new value; zero means the node has no unmet upstreams left.
func (n *Node) DecrementDepCount() int32 {
	return n.depCount.Add(-1)
}

// DepCount atomically reads the unmet-dependency counter.
func (n *Node) DepCount() int32 {
	return n.depCount.Load()
}

// Skip transitions the node to Skipped exactly once, returning true the
// first time. Later calls from other cascading upstreams are no-ops.
func (n *Node) Skip() bool {
	var first bool
	n.skipOnce.Do(func() {
		n.SetState(Skipped)
		first = true
	})
	return first
}

// Upstream returns the names of the node's resolved dependencies.
func (n *Node) Upstream() []string {
	return sortedKeys(n.deps)
}

// Downstream returns the names of the nodes that depend on this one.
func (n *Node) Downstream() []string {
	return sortedKeys(n.dependents)
}
