// Package scheduler implements the Scheduler (C3): an in-memory, side-effect
// free (apart from the mutex registry it owns) component that tracks task
// state, computes the ready set, and detects deadlock (spec.md §4.3).
package scheduler

// State is one of the four legal TaskState values (spec.md §3).
type State string

const (
	Pending State = "pending"
	Running State = "running"
	Done    State = "done"
	Failed  State = "failed"
)

// node is the Scheduler's private view of one task: its static graph shape
// (deps, mutexes) plus its current mutable state.
type node struct {
	id        string
	dependsOn []string
	mutex     []string
	state     State
}
