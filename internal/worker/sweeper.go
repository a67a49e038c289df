package worker

import (
	"context"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/infrastructure/metrics"
	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

// SweepJobTimeout bounds a single sweep run.
const SweepJobTimeout = 5 * time.Minute

// Sweeper removes sessions whose partner slot was never filled. Created
// sessions with no join within the TTL are dead weight; their room codes go
// back into circulation once the rows are gone.
type Sweeper struct {
	ctab     *crontab.Crontab
	store    conversation.Repository
	ttl      time.Duration
	schedule string
	log      zerolog.Logger
}

// NewSweeper builds the sweeper with a cron schedule and session TTL.
func NewSweeper(store conversation.Repository, ttl time.Duration, schedule string, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		ctab:     crontab.New(),
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Run schedules the sweep and blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	// execute once on server start
	s.Sweep(ctx)

	if err := s.ctab.AddJob(s.schedule, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), SweepJobTimeout)
		defer cancel()
		s.Sweep(jobCtx)
	}); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerInfrastructure, err, "failed to add sweep job")
	}
	s.log.Info().Str("schedule", s.schedule).Dur("ttl", s.ttl).Msg("session sweep scheduled")

	<-ctx.Done()
	s.ctab.Shutdown()
	return nil
}

// Sweep removes partner-pending sessions older than the TTL and refreshes
// the waiting-session gauge.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	removed, err := s.store.DeleteStale(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if removed > 0 {
		metrics.RecordSweptSessions(removed)
		s.log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("swept abandoned sessions")
	}

	waiting, err := s.store.CountWaiting(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("count waiting sessions")
		return
	}
	metrics.SetWaitingSessions(waiting)
}
