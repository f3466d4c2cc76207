package maintenance

import (
	"context"
	"time"

	"tradebridge/internal/observability"
)

// Sweeper periodically removes expired sessions. Lookups expire sessions
// lazily as well, so a missed tick only delays cleanup.
type Sweeper struct {
	sessions SessionSweeper
	interval time.Duration
	logger   *observability.Logger
}

func NewSweeper(sessions SessionSweeper, interval time.Duration, logger *observability.Logger) *Sweeper {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Sweeper{sessions: sessions, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("session_sweeper_started", map[string]any{"interval": s.interval.String()})
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session_sweeper_stopped", nil)
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	removed, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		s.logger.Report("session_sweep_failed", map[string]any{"error": err})
		return 0
	}
	if removed > 0 {
		s.logger.Info("session_sweep_completed", map[string]any{"deleted_sessions": removed})
	}
	return removed
}
