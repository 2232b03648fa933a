package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const sweepTimeout = 30 * time.Second

// SessionPurger deletes expired sessions.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// AttemptPruner drops stale sign-in throttle entries.
type AttemptPruner interface {
	Prune() int
}

// SessionSweeper periodically removes expired sessions and stale throttle state.
type SessionSweeper struct {
	sessions SessionPurger
	attempts AttemptPruner
	cron     *cron.Cron
}

// NewSessionSweeper schedules a sweep on the given cron spec
// (e.g. "@every 1h" or "0 * * * *"). attempts may be nil.
func NewSessionSweeper(spec string, sessions SessionPurger, attempts AttemptPruner) (*SessionSweeper, error) {
	s := &SessionSweeper{
		sessions: sessions,
		attempts: attempts,
		cron:     cron.New(),
	}
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and sweeps once immediately.
func (s *SessionSweeper) Run() {
	log.Info().Msg("Starting background session sweeper...")
	s.Sweep()
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *SessionSweeper) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Stopped background session sweeper.")
}

// Sweep runs one purge pass.
func (s *SessionSweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	purged, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge expired sessions")
	} else if purged > 0 {
		log.Info().Int64("count", purged).Msg("Purged expired sessions")
	}

	if s.attempts != nil {
		if pruned := s.attempts.Prune(); pruned > 0 {
			log.Debug().Int("count", pruned).Msg("Pruned sign-in throttle entries")
		}
	}
}
