// Package coordinator implements the Run Coordinator (C7): the outer batch
// scheduling loop that dispatches ready tasks onto Task Supervisors with
// bounded parallelism, merges successful attempts through the Integrator,
// and enforces the run's failure policy (spec.md §4.7). Grounded on the
// teacher's ParallelRunner.Run (errgroup wave dispatch, countRunningTasks
// loop), rewired around the spec's explicit batch pseudocode and its
// graceful-stop mode instead of the teacher's continuous eligible-task loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/orchestrator/internal/events"
	"github.com/aristath/orchestrator/internal/integrator"
	"github.com/aristath/orchestrator/internal/orcherr"
	"github.com/aristath/orchestrator/internal/scheduler"
	"github.com/aristath/orchestrator/internal/supervisor"
	"github.com/aristath/orchestrator/internal/tasks"
)

// ErrDeadlock is returned when pending tasks remain but none are ready and
// nothing is running (spec.md §4.3, §7).
var ErrDeadlock = errors.New("coordinator: deadlock, no further progress possible")

// ErrExternalFailure is returned when the run stopped after a task failure
// classified as external (spec.md §4.7 graceful-stop mode, §7).
var ErrExternalFailure = errors.New("coordinator: stopped after an external failure")

// ErrMaxIterations is returned when the configured iteration cap is reached
// before the run finishes (spec.md §4.7).
var ErrMaxIterations = errors.New("coordinator: reached max-iterations without finishing")

// Config configures one Coordinator run.
type Config struct {
	Parallelism         int
	MaxIterations       int           // 0 = unbounded
	ExternalFailTimeout time.Duration // grace period for in-flight Supervisors once an external failure is seen
}

// Coordinator drives a whole run: the Scheduler's batch loop, dispatching
// each ready task to the Supervisor and merging successes through the
// Integrator.
type Coordinator struct {
	cfg        Config
	scheduler  *scheduler.Scheduler
	store      *tasks.Store
	supervisor *supervisor.Supervisor
	integrator *integrator.Integrator
	bus        *events.EventBus // optional
}

// New constructs a Coordinator. bus may be nil.
func New(cfg Config, sched *scheduler.Scheduler, store *tasks.Store, sup *supervisor.Supervisor, integ *integrator.Integrator, bus *events.EventBus) *Coordinator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Coordinator{
		cfg:        cfg,
		scheduler:  sched,
		store:      store,
		supervisor: sup,
		integrator: integ,
		bus:        bus,
	}
}

// Run executes the outer loop of spec.md §4.7 until the run finishes, hits
// a deadlock, exhausts max-iterations, or stops after an external failure.
func (c *Coordinator) Run(ctx context.Context) error {
	iterations := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.scheduler.CountPending() == 0 && c.scheduler.CountRunning() == 0 {
			return nil
		}

		if c.scheduler.Deadlock() {
			c.logBlocked()
			return ErrDeadlock
		}

		if c.cfg.MaxIterations > 0 && iterations >= c.cfg.MaxIterations {
			return ErrMaxIterations
		}
		iterations++

		ready := c.scheduler.Ready()
		slots := c.cfg.Parallelism - c.scheduler.CountRunning()
		if slots <= 0 || len(ready) == 0 {
			return fmt.Errorf("coordinator: no progress possible (ready=%d, slots=%d)", len(ready), slots)
		}
		batch := ready
		if len(batch) > slots {
			batch = batch[:slots]
		}

		for _, id := range batch {
			if err := c.scheduler.Start(id); err != nil {
				return fmt.Errorf("coordinator: starting task %q: %w", id, err)
			}
		}

		externalHit, err := c.runWave(ctx, batch)
		if err != nil {
			return err
		}

		c.publishProgress()

		if externalHit {
			return ErrExternalFailure
		}
	}
}

// runWave dispatches one batch of tasks concurrently (bounded by
// cfg.Parallelism), waits for every Supervisor (and any resulting
// Integrator merge) to finish, and reports whether any attempt in the
// batch failed with an external classification. Once an external failure
// is observed, the remaining in-flight attempts in this wave are given up
// to cfg.ExternalFailTimeout before their context is cancelled — the
// "running Supervisors are awaited... then cancelled" half of spec.md
// §4.7's graceful-stop mode. The wave itself is still always waited for in
// full, which is equivalent to the pseudocode's "wait for at least one
// Supervisor to finish" since a finished Supervisor never blocks dispatch
// of the next wave (slots are recomputed from CountRunning each pass).
func (c *Coordinator) runWave(ctx context.Context, batch []string) (externalHit bool, err error) {
	waveCtx, cancelWave := context.WithCancel(ctx)
	defer cancelWave()

	var mu sync.Mutex
	var startTimeout sync.Once

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Parallelism)

	for i, id := range batch {
		id := id
		slot := i + 1
		t, ok := c.store.Task(id)
		if !ok {
			return false, fmt.Errorf("coordinator: task %q missing from task store", id)
		}

		g.Go(func() error {
			res := c.supervisor.Run(waveCtx, t, slot)

			if !res.Success {
				if ferr := c.scheduler.Fail(id); ferr != nil {
					log.Printf("WARNING: coordinator: task %s: %v", id, ferr)
				}
				if res.FailureKind == orcherr.FailureExternal {
					mu.Lock()
					externalHit = true
					mu.Unlock()
					startTimeout.Do(func() {
						if c.cfg.ExternalFailTimeout > 0 {
							time.AfterFunc(c.cfg.ExternalFailTimeout, cancelWave)
						} else {
							cancelWave()
						}
					})
				}
				return nil
			}

			if _, ierr := c.integrator.Integrate(waveCtx, res, t); ierr != nil {
				log.Printf("WARNING: coordinator: task %s: merge failed: %v", id, ierr)
			}
			return nil
		})
	}

	_ = g.Wait()
	return externalHit, nil
}

func (c *Coordinator) logBlocked() {
	for _, id := range c.scheduler.AllIDs() {
		if state, ok := c.scheduler.State(id); ok && state == scheduler.Pending {
			log.Printf("ERROR: coordinator: %s", c.scheduler.ExplainBlock(id))
		}
	}
}

func (c *Coordinator) publishProgress() {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.TopicDAG, events.DAGProgressEvent{
		Total:     c.scheduler.Total(),
		Completed: c.scheduler.CountDone(),
		Running:   c.scheduler.CountRunning(),
		Failed:    c.scheduler.CountFailed(),
		Pending:   c.scheduler.CountPending(),
		Timestamp: time.Now(),
	})
}
