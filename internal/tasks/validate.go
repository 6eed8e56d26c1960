package tasks

import "fmt"

// ValidationCode identifies which rule a ValidationError violates, so
// callers (the CLI, tests) can match on it rather than string-sniffing.
type ValidationCode string

const (
	CodeDuplicateID    ValidationCode = "duplicate_id"
	CodeUnknownDep     ValidationCode = "unknown_dependency"
	CodeUnknownMutex   ValidationCode = "unknown_mutex"
	CodeCycle          ValidationCode = "cycle"
	CodeBadVersion     ValidationCode = "bad_version"
	CodeEmptyID        ValidationCode = "empty_id"
)

// ValidationError is one violation of the rules in spec.md §4.1(a)-(f).
// Validate returns every violation it finds, not just the first, so the CLI
// can print the complete list (spec.md §6.1).
type ValidationError struct {
	Code   ValidationCode
	TaskID string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: task %q: %s", e.Code, e.TaskID, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Validate checks every rule in spec.md §4.1 and returns the complete list
// of violations. A nil/empty result means the TaskSet is well-formed.
func Validate(ts *TaskSet) []error {
	var errs []error

	if ts.Version != 0 && ts.Version != 1 {
		errs = append(errs, &ValidationError{
			Code:   CodeBadVersion,
			Detail: fmt.Sprintf("version %d is not supported (must be 1)", ts.Version),
		})
	}

	seen := make(map[string]int, len(ts.Tasks))
	for _, t := range ts.Tasks {
		if t.ID == "" {
			errs = append(errs, &ValidationError{Code: CodeEmptyID, Detail: "task has an empty id"})
			continue
		}
		seen[t.ID]++
	}
	for id, count := range seen {
		if count > 1 {
			errs = append(errs, &ValidationError{
				Code:   CodeDuplicateID,
				TaskID: id,
				Detail: fmt.Sprintf("id appears %d times", count),
			})
		}
	}

	known := make(map[string]struct{}, len(ts.Tasks))
	for _, t := range ts.Tasks {
		known[t.ID] = struct{}{}
	}

	for _, t := range ts.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := known[dep]; !ok {
				errs = append(errs, &ValidationError{
					Code:   CodeUnknownDep,
					TaskID: t.ID,
					Detail: fmt.Sprintf("depends on unknown task %q", dep),
				})
			}
		}
		for _, m := range t.Mutex {
			if !ValidMutexName(m) {
				errs = append(errs, &ValidationError{
					Code:   CodeUnknownMutex,
					TaskID: t.ID,
					Detail: fmt.Sprintf("mutex %q is not in the catalog and does not match %q", m, contractPrefix+"*"),
				})
			}
		}
	}

	// Only look for cycles once the graph references are sound - a cycle
	// check against dangling dependencies would be meaningless.
	if len(errs) == 0 {
		if cyclePath, ok := findCycle(ts); ok {
			errs = append(errs, &ValidationError{
				Code:   CodeCycle,
				Detail: fmt.Sprintf("dependency cycle: %s", formatCycle(cyclePath)),
			})
		}
	}

	return errs
}

func formatCycle(path []string) string {
	s := ""
	for i, id := range path {
		if i > 0 {
			s += " -> "
		}
		s += id
	}
	return s
}

// findCycle runs an iterative depth-first search over the dependency graph
// and returns one concrete cycle path if the graph isn't acyclic (spec.md
// §4.1(e)). Unlike a generic topological-sort library, this can report
// exactly which ids form the cycle, which the Task Store's error output
// requires.
func findCycle(ts *TaskSet) ([]string, bool) {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully processed
	)

	deps := make(map[string][]string, len(ts.Tasks))
	for _, t := range ts.Tasks {
		deps[t.ID] = t.DependsOn
	}

	color := make(map[string]int, len(ts.Tasks))

	type frame struct {
		id   string
		next int // index into deps[id] of the next child to visit
	}

	for _, t := range ts.Tasks {
		if color[t.ID] != white {
			continue
		}

		stack := []frame{{id: t.ID}}
		color[t.ID] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := deps[top.id]

			if top.next >= len(children) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}

			child := children[top.next]
			top.next++

			switch color[child] {
			case white:
				color[child] = gray
				stack = append(stack, frame{id: child})
			case gray:
				// Found a back edge: child is still on the stack, so the
				// cycle is the stack slice from child's position to here.
				path := make([]string, 0, len(stack)+1)
				start := -1
				for i, f := range stack {
					if f.id == child {
						start = i
						break
					}
				}
				for i := start; i < len(stack); i++ {
					path = append(path, stack[i].id)
				}
				path = append(path, child)
				return path, true
			case black:
				// already fully explored, no cycle through here
			}
		}
	}

	return nil, false
}
