// Package orcherr defines the typed error kinds used to drive scheduling
// decisions (spec.md §7): validation and precondition failures abort a run
// before it starts, task-level failures are classified as internal or
// external so the Run Coordinator knows whether to keep going or stop.
package orcherr

import (
	"fmt"
	"strings"
)

// PreconditionError signals a hard failure discovered before any task runs:
// a missing engine binary, an unwritable run directory, and the like.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

// FailureKind classifies why a task attempt failed, per spec.md §7.
type FailureKind string

const (
	FailureExternal FailureKind = "external"
	FailureInternal FailureKind = "internal"
	FailureUnknown  FailureKind = "unknown"
)

// TaskFailure wraps a task attempt's terminal error together with its
// classification and the single log line the classifier matched against.
type TaskFailure struct {
	TaskID  string
	Kind    FailureKind
	Message string
	Cause   error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %s failed (%s): %s", e.TaskID, e.Kind, e.Message)
}

func (e *TaskFailure) Unwrap() error { return e.Cause }

// externalPatterns is the classifier contract (spec.md §7, §9): substring
// matches against the last non-debug log line that mark a failure as having
// a cause outside the agent's control. Order doesn't matter; first match
// wins.
var externalPatterns = []string{
	"network",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"ENOTFOUND",
	"EAI_AGAIN",
	"dial tcp",
	"permission denied",
	"EACCES",
	"certificate",
	"x509",
	"tls: ",
	"npm ERR!",
	"could not resolve host",
	"lockfile",
	"Could not acquire",
	"authentication failed",
	"DNS",
}

// Classify inspects the last non-debug log line of a failed task attempt and
// returns whether the failure is external (should trigger graceful-stop) or
// internal (retry/fail this task only). The match is syntactic by design
// (spec.md §7): it is not an attempt to understand the agent's output, only
// to recognize known environmental-failure signatures.
func Classify(lastLine string) FailureKind {
	lower := strings.ToLower(lastLine)
	for _, pattern := range externalPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return FailureExternal
		}
	}
	return FailureInternal
}
