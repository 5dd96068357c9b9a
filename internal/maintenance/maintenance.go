// Package maintenance periodically removes expired limiter windows and idle
// breaker entries.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper is anything that can drop its expired state.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler runs registered sweepers on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	logger   *zap.Logger
	mu       sync.Mutex
	sweepers map[string]Sweeper
	names    []string
}

// New returns a Scheduler that fires on schedule, which accepts the standard
// five-field syntax and descriptors such as "@every 5m".
func New(schedule string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger,
		sweepers: make(map[string]Sweeper),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Register adds a named sweeper. Registering a name twice replaces it.
func (s *Scheduler) Register(name string, sw Sweeper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sweepers[name]; !ok {
		s.names = append(s.names, name)
	}
	s.sweepers[name] = sw
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish or for ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps every registered store and returns the per-name removal
// counts. Failures are logged and joined into the returned error.
func (s *Scheduler) RunOnce(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	names := append([]string(nil), s.names...)
	sweepers := make([]Sweeper, len(names))
	for i, n := range names {
		sweepers[i] = s.sweepers[n]
	}
	s.mu.Unlock()

	removed := make(map[string]int, len(names))
	var errs []error
	for i, name := range names {
		n, err := sweepers[i].Sweep(ctx)
		if err != nil {
			s.logger.Warn("sweep failed", zap.String("store", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		removed[name] = n
		if n > 0 {
			s.logger.Debug("swept expired entries", zap.String("store", name), zap.Int("removed", n))
		}
	}
	return removed, errors.Join(errs...)
}
