package scheduler

import (
	"fmt"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/orchestrator/internal/tasks"
)

// Scheduler owns TaskState and the Mutex Registry exclusively (spec.md §3
// Ownership). It never touches worktrees, agents, or git; everything here is
// plain in-memory bookkeeping, grounded on the teacher's DAG (validated with
// gammazero/toposort) but narrowed to the spec's four-state model and
// augmented with named-mutex arbitration instead of the teacher's per-file
// resource locking.
type Scheduler struct {
	mu       sync.RWMutex
	order    []string // insertion order, for deterministic ready() iteration
	nodes    map[string]*node
	mutexes  *tasks.MutexRegistry
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		nodes:   make(map[string]*node),
		mutexes: tasks.NewMutexRegistry(),
	}
}

// Init loads a TaskSet. Initial state is Done if the persisted task is
// already completed, else Pending (spec.md §3). Init re-validates
// acyclicity defensively with toposort even though the Task Store already
// did so on load — the Scheduler must never trust an un-vetted caller.
func (s *Scheduler) Init(ts tasks.TaskSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*node, len(ts.Tasks))
	s.order = make([]string, 0, len(ts.Tasks))

	var edges []toposort.Edge
	for _, t := range ts.Tasks {
		state := Pending
		if t.Completed {
			state = Done
		}
		s.nodes[t.ID] = &node{
			id:        t.ID,
			dependsOn: append([]string(nil), t.DependsOn...),
			mutex:     append([]string(nil), t.Mutex...),
			state:     state,
		}
		s.order = append(s.order, t.ID)

		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
		} else {
			for _, dep := range t.DependsOn {
				edges = append(edges, toposort.Edge{dep, t.ID})
			}
		}
	}

	if len(edges) > 0 {
		if _, err := toposort.Toposort(edges); err != nil {
			return fmt.Errorf("scheduler: task graph is not acyclic: %w", err)
		}
	}

	return nil
}

// Ready returns the ids of every Pending task whose dependencies are all
// Done and whose mutexes are all available (spec.md §4.3). Order is
// insertion order, which is deterministic but not otherwise meaningful.
func (s *Scheduler) Ready() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []string
	for _, id := range s.order {
		n := s.nodes[id]
		if n.state != Pending {
			continue
		}
		if !s.depsDone(n) {
			continue
		}
		if !s.mutexes.Available(n.mutex) {
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

func (s *Scheduler) depsDone(n *node) bool {
	for _, dep := range n.dependsOn {
		d, ok := s.nodes[dep]
		if !ok || d.state != Done {
			return false
		}
	}
	return true
}

// Start transitions a task Pending -> Running and acquires its mutexes
// atomically. The caller (Run Coordinator) must only call Start on an id
// just returned by Ready(), so the mutex acquisition here is expected to
// always succeed; it is re-checked anyway as a defensive invariant.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	if n.state != Pending {
		return fmt.Errorf("scheduler: task %q is not pending (state=%s)", id, n.state)
	}
	if !s.depsDone(n) {
		return fmt.Errorf("scheduler: task %q has unmet dependencies", id)
	}
	if !s.mutexes.Acquire(id, n.mutex) {
		return fmt.Errorf("scheduler: task %q could not acquire its mutexes", id)
	}

	n.state = Running
	return nil
}

// Complete transitions a Running task to Done and releases its mutexes.
func (s *Scheduler) Complete(id string) error {
	return s.finish(id, Done)
}

// Fail transitions a Running task to Failed and releases its mutexes.
func (s *Scheduler) Fail(id string) error {
	return s.finish(id, Failed)
}

func (s *Scheduler) finish(id string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	if n.state != Running {
		return fmt.Errorf("scheduler: task %q is not running (state=%s)", id, n.state)
	}

	// Release mutexes before changing state, so that a concurrent Ready()
	// call never sees a Done/Failed task still holding its locks.
	s.mutexes.Release(id, n.mutex)
	n.state = to
	return nil
}

// Retry transitions a Failed task back to Pending (spec.md §3: "failed ->
// pending only on explicit retry within the same run").
func (s *Scheduler) Retry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	if n.state != Failed {
		return fmt.Errorf("scheduler: task %q is not failed (state=%s)", id, n.state)
	}
	n.state = Pending
	return nil
}

// State returns the current state of a task.
func (s *Scheduler) State(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	return n.state, true
}

// CountRunning returns the number of tasks currently Running.
func (s *Scheduler) CountRunning() int {
	return s.count(Running)
}

// CountPending returns the number of tasks currently Pending.
func (s *Scheduler) CountPending() int {
	return s.count(Pending)
}

// CountDone returns the number of tasks currently Done.
func (s *Scheduler) CountDone() int {
	return s.count(Done)
}

// CountFailed returns the number of tasks currently Failed.
func (s *Scheduler) CountFailed() int {
	return s.count(Failed)
}

// Total returns the total number of tasks known to the scheduler.
func (s *Scheduler) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Scheduler) count(state State) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, node := range s.nodes {
		if node.state == state {
			n++
		}
	}
	return n
}

// Deadlock reports whether the run can make no further progress: pending
// tasks remain, nothing is running, and nothing is ready (spec.md §4.3).
func (s *Scheduler) Deadlock() bool {
	return s.CountPending() > 0 && s.CountRunning() == 0 && len(s.Ready()) == 0
}

// ExplainBlock describes why a pending task isn't ready: which of its
// dependencies aren't Done yet, and which of its mutexes are held by whom
// (spec.md §4.3).
func (s *Scheduler) ExplainBlock(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Sprintf("task %q is unknown", id)
	}

	msg := fmt.Sprintf("task %q (state=%s):", id, n.state)
	any := false
	for _, dep := range n.dependsOn {
		d, ok := s.nodes[dep]
		state := State("unknown")
		if ok {
			state = d.state
		}
		if state != Done {
			msg += fmt.Sprintf(" depends on %q (state=%s);", dep, state)
			any = true
		}
	}
	for _, m := range n.mutex {
		if holder, held := s.mutexes.HolderOf(m); held {
			msg += fmt.Sprintf(" mutex %q held by %q;", m, holder)
			any = true
		}
	}
	if !any {
		msg += " no blocking reason found (should be ready)"
	}
	return msg
}

// AllIDs returns every task id known to the scheduler, in insertion order.
func (s *Scheduler) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
