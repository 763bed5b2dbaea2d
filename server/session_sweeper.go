package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSweepSchedule = "17 * * * *"

var sweepCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// SessionSweeperConfig configures a SessionSweeper.
type SessionSweeperConfig struct {
	Store AuthStore
	// Schedule is a five-field UTC cron expression. Defaults to minute 17
	// of every hour.
	Schedule string
	Now      func() time.Time
	Logger   *slog.Logger
}

// SessionSweeper deletes expired session rows on a cron schedule. Expired
// sessions are already rejected at read time; the sweeper keeps the table
// from accumulating dead rows.
type SessionSweeper struct {
	store    AuthStore
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSessionSweeper validates the schedule and creates a sweeper.
func NewSessionSweeper(cfg SessionSweeperConfig) (*SessionSweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("session sweeper store is nil")
	}
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = defaultSweepSchedule
	}
	upper := strings.ToUpper(expr)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("sweep schedule must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := sweepCronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &SessionSweeper{
		store:    cfg.Store,
		schedule: schedule,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start launches the sweep loop. The loop ends when ctx is canceled or Stop
// is called. Calling Start on a running sweeper is a no-op.
func (s *SessionSweeper) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("session sweeper is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			next := s.schedule.Next(s.now().UTC())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop halts the sweep loop and waits for the in-flight pass, if any.
func (s *SessionSweeper) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single sweep pass.
func (s *SessionSweeper) RunOnce(ctx context.Context) error {
	if err := s.store.CleanExpiredSessions(ctx); err != nil {
		s.logger.Error("session sweep failed", "error", err)
		return err
	}
	return nil
}
