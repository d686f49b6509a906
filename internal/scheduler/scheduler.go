// Package scheduler runs liqitap's periodic maintenance: archive retention,
// idle flow reaping and daily log housekeeping.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/db"
	"github.com/energizer-project/liqitap/internal/util"
)

const (
	idleCheckInterval = time.Minute
	dailyInterval     = 24 * time.Hour
)

// Pruner deletes archived data older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// IdleCloser closes connections without recent traffic.
type IdleCloser interface {
	CloseIdle(timeout time.Duration) int
}

// StatsSource reports archive totals for the daily summary.
type StatsSource interface {
	Stats(ctx context.Context) (*db.StoreStats, error)
}

// Scheduler manages periodic background tasks. Tasks whose dependency is
// nil are not started.
type Scheduler struct {
	cfg    *config.Config
	pruner Pruner
	flows  IdleCloser
	stats  StatsSource
	logger zerolog.Logger

	now        func() time.Time
	pruneEvery time.Duration
	idleEvery  time.Duration
	dailyEvery time.Duration
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, pruner Pruner, flows IdleCloser, stats StatsSource) *Scheduler {
	pruneEvery := time.Duration(cfg.Database.PruneIntervalSec) * time.Second
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	return &Scheduler{
		cfg:        cfg,
		pruner:     pruner,
		flows:      flows,
		stats:      stats,
		logger:     util.ComponentLogger("scheduler"),
		now:        time.Now,
		pruneEvery: pruneEvery,
		idleEvery:  idleCheckInterval,
		dailyEvery: dailyInterval,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	if s.pruner != nil && s.cfg.Database.RetentionDays > 0 {
		// Catch up on anything that expired while liqitap was stopped.
		s.runPrune(ctx)
		go s.every(ctx, s.pruneEvery, s.runPrune)
	}

	if s.flows != nil && s.cfg.Capture.IdleTimeoutSec > 0 {
		go s.every(ctx, s.idleEvery, func(context.Context) { s.runIdleReaper() })
	}

	go s.every(ctx, s.dailyEvery, s.runDaily)

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// runPrune removes archived frames and flows older than the retention window.
func (s *Scheduler) runPrune(ctx context.Context) {
	retention := time.Duration(s.cfg.Database.RetentionDays) * 24 * time.Hour
	cutoff := s.now().Add(-retention)

	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("archive prune failed")
		return
	}

	ev := s.logger.Debug()
	if n > 0 {
		ev = s.logger.Info()
	}
	ev.Int64("deleted_rows", n).
		Time("cutoff", cutoff).
		Msg("archive prune completed")
}

func (s *Scheduler) runIdleReaper() {
	timeout := time.Duration(s.cfg.Capture.IdleTimeoutSec) * time.Second
	if n := s.flows.CloseIdle(timeout); n > 0 {
		s.logger.Info().
			Int("closed", n).
			Dur("idle_timeout", timeout).
			Msg("closed idle flows")
	}
}

// runDaily logs archive totals and trims old log files.
func (s *Scheduler) runDaily(ctx context.Context) {
	if s.stats != nil {
		st, err := s.stats.Stats(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to collect daily stats")
		} else {
			s.logger.Info().
				Int64("decoded", st.Decoded).
				Int64("rejected", st.Rejected).
				Int64("actions", st.Actions).
				Int64("flows", st.Flows).
				Msg("daily stats collected")
		}
	}

	logCfg := s.cfg.Logging
	if removed := util.CleanOldLogs(logCfg.Directory, logCfg.MaxBackups); len(removed) > 0 {
		s.logger.Info().
			Int("removed", len(removed)).
			Str("directory", logCfg.Directory).
			Msgf("log cleanup kept newest %d files", logCfg.MaxBackups)
	}
}
