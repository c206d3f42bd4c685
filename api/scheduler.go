/*
scheduler.go - Automated assignment expiration scheduler

PURPOSE:
  Periodically runs the expiration sweep so stale assignments release their
  earmarked value without an operator.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A failed sweep is logged and retried on the next tick
  - Each sweep gets its own context, cancelled on Stop

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpirationScheduler(sweeper, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ExpireAssignments endpoint (manual sweep)
  - policy/expiry.go: Sweeper
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/learner-credit/policy"
)

// Sweeper is the part of *policy.Sweeper the scheduler drives.
type Sweeper interface {
	Run(ctx context.Context, dryRun bool) (*policy.SweepResult, error)
}

// ExpirationScheduler handles automated assignment expiration.
type ExpirationScheduler struct {
	Sweeper  Sweeper
	Interval time.Duration
	Enabled  bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirationScheduler creates a new scheduler.
func NewExpirationScheduler(sweeper Sweeper, logger *slog.Logger) *ExpirationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirationScheduler{
		Sweeper:  sweeper,
		Interval: time.Hour,
		Enabled:  true,
		logger:   logger,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *ExpirationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("expiration scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker.C, s.stop)

	s.logger.Info("expiration scheduler started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for an in-flight sweep to return.
func (s *ExpirationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("expiration scheduler stopped")
}

func (s *ExpirationScheduler) run(ctx context.Context, tick <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-tick:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (s *ExpirationScheduler) sweep(ctx context.Context) {
	res, err := s.Sweeper.Run(ctx, false)
	if err != nil {
		s.logger.Error("scheduled expiration sweep failed", "error", err)
		return
	}
	s.logger.Debug("scheduled expiration sweep done", "examined", res.Examined, "swept", len(res.Swept))
}
