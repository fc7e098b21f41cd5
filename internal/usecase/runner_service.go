package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// RunnerService owns the independent scheduler runs of one process. Each run
// keeps its own state slot and result log.
type RunnerService struct {
	runs   map[string]*managedRun
	logger *zap.Logger
	mu     sync.Mutex
}

type managedRun struct {
	name      string
	scheduler *Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// RunSummary is a named RunStatus.
type RunSummary struct {
	Name string `json:"name"`
	RunStatus
}

func NewRunnerService(logger *zap.Logger) *RunnerService {
	return &RunnerService{
		runs:   make(map[string]*managedRun),
		logger: logger,
	}
}

// StartRun launches the scheduler under a context derived from ctx. A name
// can be reused once its previous run has finished.
func (s *RunnerService) StartRun(ctx context.Context, name string, scheduler *Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, exists := s.runs[name]; exists && !run.finished() {
		return fmt.Errorf("run %s already active", name)
	}
	for other, run := range s.runs {
		if other != name && !run.finished() && run.scheduler.Identity().StateKey() == scheduler.Identity().StateKey() {
			return fmt.Errorf("run %s already owns state slot %s", other, scheduler.Identity().StateKey())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &managedRun{
		name:      name,
		scheduler: scheduler,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.runs[name] = run

	go func() {
		defer close(run.done)
		defer cancel()
		err := scheduler.Run(runCtx)
		if err != nil {
			s.logger.Error("Run stopped with error", zap.String("run", name), zap.Error(err))
		} else {
			s.logger.Info("Run finished", zap.String("run", name))
		}
		s.mu.Lock()
		run.err = err
		s.mu.Unlock()
	}()

	s.logger.Info("Run started", zap.String("run", name), zap.String("identity", scheduler.Identity().String()))
	return nil
}

func (r *managedRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// StopRun cancels a run and waits until it has persisted and flushed.
func (s *RunnerService) StopRun(ctx context.Context, name string) error {
	s.mu.Lock()
	run, exists := s.runs[name]
	s.mu.Unlock()

	if !exists || run.finished() {
		return fmt.Errorf("no active run named %s", name)
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return fmt.Errorf("run %s did not stop: %w", name, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return run.err
}

func (s *RunnerService) Status(name string) (*RunSummary, error) {
	s.mu.Lock()
	run, exists := s.runs[name]
	s.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("unknown run %s", name)
	}
	return &RunSummary{Name: name, RunStatus: run.scheduler.Status()}, nil
}

// List returns every known run ordered by name.
func (s *RunnerService) List() []RunSummary {
	s.mu.Lock()
	runs := make([]*managedRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].name < runs[j].name })
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunSummary{Name: run.name, RunStatus: run.scheduler.Status()})
	}
	return out
}

// Wait blocks until every started run has returned and joins their errors.
func (s *RunnerService) Wait(ctx context.Context) error {
	s.mu.Lock()
	runs := make([]*managedRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	var errs []error
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		if run.err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.name, run.err))
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// StopAll cancels every run and waits for them.
func (s *RunnerService) StopAll(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.runs {
		run.cancel()
	}
	s.mu.Unlock()
	return s.Wait(ctx)
}
