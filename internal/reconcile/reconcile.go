// Package reconcile implements the bounded wait-then-act pattern patchd uses
// whenever a dependent step must wait for an external, eventually consistent
// system to catch up. A task polls a predicate against live external state at
// a fixed interval, runs its action exactly once when the predicate turns
// true, and escalates exactly once when the maximum wait elapses first.
//
// Tasks are detached from the request that spawned them: they hold no lease,
// survive the request's progress stream, and cannot be cancelled externally —
// each runs to success or timeout. If the process dies, in-flight task intent
// dies with it; intent is not persisted.
package reconcile

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/patchd/internal/clock"
	"pkt.systems/patchd/internal/progress"
	"pkt.systems/patchd/internal/svcfields"
)

const (
	// DefaultPollInterval is the predicate re-check cadence.
	DefaultPollInterval = 15 * time.Second
	// DefaultMaxWait bounds how long a task polls before escalating.
	DefaultMaxWait = time.Hour
)

// Task describes one background wait.
type Task struct {
	// Entity is the lease-key string of the title or version the wait
	// belongs to. Together with Purpose it dedupes concurrent waits.
	Entity string
	// Purpose names what the task waits for, e.g. "deploy_visibility".
	Purpose string
	// Predicate re-fetches live external state. Errors are treated as "not
	// yet true" and retried on the next poll.
	Predicate func(ctx context.Context) (bool, error)
	// Action runs exactly once after the predicate turns true. It must
	// re-check current entity state before mutating, since no lease is held.
	Action func(ctx context.Context) error
	// OnTimeout runs exactly once when MaxWait elapses first. The runner
	// escalates via the reporter regardless; OnTimeout is for cleanup.
	OnTimeout func(ctx context.Context)
	// Reporter receives progress and alert lines. Optional.
	Reporter *progress.Reporter

	PollInterval time.Duration
	MaxWait      time.Duration
}

type taskKey struct {
	entity  string
	purpose string
}

// Runner owns the background reconciliation tasks of one server instance.
type Runner struct {
	clock  clock.Clock
	logger pslog.Logger

	mu     sync.Mutex
	active map[taskKey]struct{}
	wg     sync.WaitGroup
}

// Config assembles a Runner.
type Config struct {
	Clock  clock.Clock
	Logger pslog.Logger
}

// NewRunner constructs a Runner according to cfg.
func NewRunner(cfg Config) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Runner{
		clock:  cfg.Clock,
		logger: svcfields.WithSubsystem(cfg.Logger, "reconcile"),
		active: make(map[taskKey]struct{}),
	}
}

// Start launches the task in the background and returns true. Starting a
// second task for the same (entity, purpose) while one is live is a no-op
// returning false, as is a task missing its predicate or action.
func (r *Runner) Start(t Task) bool {
	if t.Predicate == nil || t.Action == nil {
		return false
	}
	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.MaxWait <= 0 {
		t.MaxWait = DefaultMaxWait
	}
	key := taskKey{entity: t.Entity, purpose: t.Purpose}
	r.mu.Lock()
	if _, live := r.active[key]; live {
		r.mu.Unlock()
		r.logger.Debug("reconcile.duplicate_wait_ignored", "entity", t.Entity, "purpose", t.Purpose)
		return false
	}
	r.active[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(key, t)
	return true
}

// Active reports whether a live task exists for (entity, purpose).
func (r *Runner) Active(entity, purpose string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, live := r.active[taskKey{entity: entity, purpose: purpose}]
	return live
}

// Wait blocks until every running task has completed. Used by tests and by
// callers that want a drained shutdown; tasks are never interrupted.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(key taskKey, t Task) {
	defer func() {
		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()
		r.wg.Done()
	}()

	// Background tasks answer to no request; they get their own context.
	ctx := context.Background()
	logger := r.logger.With("entity", t.Entity, "purpose", t.Purpose)
	deadline := r.clock.Now().Add(t.MaxWait)

	for {
		r.clock.Sleep(t.PollInterval)

		ok, err := t.Predicate(ctx)
		if err != nil {
			logger.Debug("reconcile.predicate_error", "error", err)
		}
		if ok {
			if err := t.Action(ctx); err != nil {
				logger.Error("reconcile.action_failed", "error", err)
				if t.Reporter != nil {
					t.Reporter.Alertf(ctx, "%s: follow-up action for %s failed: %v; manual follow-up required", t.Entity, t.Purpose, err)
				}
				return
			}
			logger.Info("reconcile.completed")
			if t.Reporter != nil {
				t.Reporter.Log(progress.LevelInfo, t.Entity+": "+t.Purpose+" completed")
			}
			return
		}

		if !r.clock.Now().Before(deadline) {
			logger.Error("reconcile.timeout", "max_wait", t.MaxWait.String())
			if t.Reporter != nil {
				t.Reporter.Alertf(ctx, "%s: gave up waiting for %s after %s; manual follow-up required", t.Entity, t.Purpose, t.MaxWait)
			}
			if t.OnTimeout != nil {
				t.OnTimeout(ctx)
			}
			return
		}
	}
}
