// Package housekeeping runs the two periodic sweeps the run engine and
// session registry depend on but cannot trigger themselves: reaping
// worker sessions past their disconnect grace period, and timing out
// PendingNextRequests whose deadline has elapsed.
package housekeeping

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
)

// cronParser parses the optional cron expression, matching the crontab
// Minute/Hour/Dom/Month/Dow field layout. The expression is only validated
// and logged with its next fire time; it does not pace the sweep loop.
var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// NextResponseRouter delivers a resolved PendingNextRequest back to the
// worker that issued the original biz.exec.next.request. controlplane.Server
// implements this.
type NextResponseRouter interface {
	RouteNextResponses(nrs []runstate.NextResponseDispatch)
}

// Config wires a Scheduler to the components it sweeps.
type Config struct {
	Engine   *runstate.Engine
	Registry *session.Registry
	Router   NextResponseRouter

	// Interval is how often both sweeps run. Defaults to 10 seconds, far
	// tighter than the 120s session grace period or typical next.request
	// timeoutMs, so neither sweep's own cadence becomes the bottleneck.
	Interval time.Duration

	// CronExpr, if set, is parsed once at startup purely to validate it
	// parses and to log the computed next-fire time; the sweep itself
	// always runs on Interval's ticker, not this expression's calendar.
	CronExpr string

	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler runs both sweeps on a fixed ticker until Stop is called.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. A non-empty cfg.CronExpr that fails to
// parse is logged and ignored; Interval always governs the actual sweep
// cadence.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.CronExpr != "" {
		if sched, err := cronParser.Parse(cfg.CronExpr); err != nil {
			logger.Warn("housekeeping: ignoring unparseable cron expression", "expr", cfg.CronExpr, "error", err)
		} else {
			logger.Info("housekeeping: cron expression parsed", "expr", cfg.CronExpr, "next", sched.Next(now()))
		}
	}
	return &Scheduler{cfg: cfg, logger: logger, now: now}
}

// Start spawns the sweep loop. Call Stop to shut it down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("housekeeping scheduler started", "interval", s.cfg.Interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("housekeeping scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs the session grace-period reaper (§4.2) and the
// PendingNextRequest deadline sweep (§4.3) once.
func (s *Scheduler) tick() {
	now := s.now()

	if s.cfg.Registry != nil {
		if reaped := s.cfg.Registry.ReapExpired(now); len(reaped) > 0 {
			s.logger.Info("housekeeping: reaped expired worker sessions", "count", len(reaped), "session_ids", reaped)
		}
	}

	if s.cfg.Engine != nil {
		expired := s.cfg.Engine.SweepExpiredNextRequests(now)
		if len(expired) == 0 {
			return
		}
		s.logger.Info("housekeeping: timed out pending next() requests", "count", len(expired))
		if s.cfg.Router != nil {
			s.cfg.Router.RouteNextResponses(expired)
		}
	}
}
