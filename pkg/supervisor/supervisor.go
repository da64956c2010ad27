// Package supervisor implements the worker process supervisor (C8, spec
// §4.7): it launches each configured worker as a child OS process, tracks
// its lifecycle state machine, and runs a health monitor that restarts
// individually-failed workers and bulk-restarts the RQ-worker fleet when
// cluster registration drops below the configured minimum.
//
// Process management is adapted from the sibling example repo
// wingedpig-trellis's internal/service.Process: process-group signaling,
// captured stdout/stderr, graceful-then-force shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronicle-systems/chronicle/internal/config"
)

// ErrUnknownWorker is returned when a worker name does not appear in the
// supervisor's registry.
var ErrUnknownWorker = errors.New("supervisor: unknown worker")

// WorkerType mirrors config.WorkerType locally so this package's public
// surface doesn't require every caller to import internal/config just to
// read a worker's kind back from Status.
type WorkerType = config.WorkerType

const (
	WorkerTypeRQWorker       = config.WorkerTypeRQWorker
	WorkerTypeStreamConsumer = config.WorkerTypeStreamConsumer
)

// WorkerDefinition is one entry in the supervisor's static registry (spec
// §4.7's WorkerDefinition{name, command[], worker_type, queues,
// restart_on_failure, is_enabled_predicate}).
type WorkerDefinition struct {
	Name             string
	Command          string
	Args             []string
	Env              map[string]string
	WorkerType       WorkerType
	Queues           []string
	RestartOnFailure bool

	// Enabled is evaluated once at Start; a worker definition whose
	// predicate is false is never launched. Defaults to "always enabled"
	// when nil.
	Enabled func() bool
}

func (d WorkerDefinition) enabled() bool {
	if d.Enabled == nil {
		return true
	}
	return d.Enabled()
}

// WorkerDefinitionsFromConfig converts the loaded worker registry into
// WorkerDefinitions, resolving each entry's EnabledIf predicate against
// features (empty EnabledIf means always enabled; an unrecognized name
// also means always enabled, since the predicate can only gate a feature
// this binary actually knows about).
func WorkerDefinitionsFromConfig(workers []config.WorkerConfig, features config.FeaturesConfig) []WorkerDefinition {
	defs := make([]WorkerDefinition, len(workers))
	for i, w := range workers {
		w := w
		defs[i] = WorkerDefinition{
			Name:             w.Name,
			Command:          w.Command,
			Args:             w.Args,
			Env:              w.Env,
			WorkerType:       w.WorkerType,
			Queues:           w.Queues,
			RestartOnFailure: w.RestartOnFailure,
			Enabled:          enabledPredicate(w.EnabledIf, features),
		}
	}
	return defs
}

func enabledPredicate(name string, features config.FeaturesConfig) func() bool {
	switch name {
	case "speaker_recognition_enabled":
		return func() bool { return features.SpeakerRecognitionEnabled }
	default:
		return func() bool { return true }
	}
}

// Status reports one worker's current observable state.
type Status struct {
	Name         string
	WorkerType   WorkerType
	Queues       []string
	State        State
	PID          int
	RestartCount int
	StartedAt    time.Time
}

type managedWorker struct {
	def          WorkerDefinition
	process      *Process
	mu           sync.Mutex
	restartCount int
}

// Supervisor owns a fixed registry of worker definitions and their live
// process handles.
type Supervisor struct {
	workers map[string]*managedWorker
	order   []string

	mu      sync.RWMutex
	running bool
}

// New builds a Supervisor from defs. Disabled definitions (Enabled()
// returning false) are recorded but never started.
func New(defs []WorkerDefinition) *Supervisor {
	s := &Supervisor{workers: make(map[string]*managedWorker, len(defs))}
	for _, d := range defs {
		s.workers[d.Name] = &managedWorker{def: d}
		s.order = append(s.order, d.Name)
	}
	return s
}

// Start launches every enabled worker definition. Each worker's onExit
// callback marks it failed (for the health monitor to see) unless the
// supervisor itself requested the stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("supervisor: already running")
	}

	for _, name := range s.order {
		mw := s.workers[name]
		if !mw.def.enabled() {
			slog.Info("supervisor: worker disabled by predicate, skipping", "worker", name)
			continue
		}
		if err := s.startWorkerLocked(ctx, mw); err != nil {
			return err
		}
	}
	s.running = true
	return nil
}

func (s *Supervisor) startWorkerLocked(ctx context.Context, mw *managedWorker) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	name := mw.def.Name
	proc := NewProcess(name, mw.def.Command, mw.def.Args, mw.def.Env, func(exitCode int, crashed bool) {
		if crashed {
			slog.Warn("supervisor: worker crashed", "worker", name, "exit_code", exitCode)
		}
	})
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start worker %q: %w", name, err)
	}
	mw.process = proc
	return nil
}

// Restart stops (if running) and relaunches the named worker, counting the
// attempt for Status reporting.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	mw, err := s.lookup(name)
	if err != nil {
		return err
	}

	start := time.Now()
	mw.mu.Lock()
	proc := mw.process
	mw.mu.Unlock()
	if proc != nil {
		if err := proc.Stop(ctx); err != nil {
			slog.Warn("supervisor: stop before restart failed", "worker", name, "error", err)
		}
	}
	stopDuration := time.Since(start)

	restartStart := time.Now()
	mw.mu.Lock()
	mw.restartCount++
	mw.mu.Unlock()
	if err := s.startWorkerLocked(ctx, mw); err != nil {
		return err
	}
	slog.Info("supervisor: worker restarted", "worker", name, "stop_duration", stopDuration, "start_duration", time.Since(restartStart))
	return nil
}

// BulkRestart restarts every enabled rq_worker-type worker, in parallel.
// It applies no cooldown itself; HealthMonitor checks its recovery
// cooldown before calling it. Stream-consumer workers
// are never included — spec §4.7 scopes bulk restart to "all RQ-type
// workers".
func (s *Supervisor) BulkRestart(ctx context.Context) {
	s.mu.RLock()
	var targets []string
	for _, name := range s.order {
		mw := s.workers[name]
		if mw.def.enabled() && mw.def.WorkerType == config.WorkerTypeRQWorker {
			targets = append(targets, name)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range targets {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Restart(ctx, name); err != nil {
				slog.Warn("supervisor: bulk restart failed for worker", "worker", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// Stop gracefully shuts down every running worker, waiting for all of them
// concurrently rather than serially so total shutdown time is bounded by
// the slowest single worker's graceful-stop timeout.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range s.order {
		mw := s.workers[name]
		mw.mu.Lock()
		proc := mw.process
		mw.mu.Unlock()
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func(proc *Process) {
			defer wg.Done()
			_ = proc.Stop(ctx)
		}(proc)
	}
	wg.Wait()
}

// Status returns the current observable state of every registered worker.
func (s *Supervisor) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		mw := s.workers[name]
		mw.mu.Lock()
		st := Status{
			Name:         mw.def.Name,
			WorkerType:   mw.def.WorkerType,
			Queues:       mw.def.Queues,
			RestartCount: mw.restartCount,
			State:        StatePending,
		}
		if mw.process != nil {
			st.State = mw.process.State()
			st.PID = mw.process.PID()
			st.StartedAt = mw.process.StartedAt()
		}
		mw.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (s *Supervisor) lookup(name string) (*managedWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mw, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	return mw, nil
}
