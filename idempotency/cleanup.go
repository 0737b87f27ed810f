package idempotency

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// ScheduleCleanup registers a job on s that purges expired records every interval.
// The job stops doing work once ctx is done.
func ScheduleCleanup(ctx context.Context, s gocron.Scheduler, store Store, interval time.Duration) (gocron.Job, error) {
	return s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			removed, err := store.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				log.Error().Err(err).Msg("Failed to purge expired idempotency records")
				return
			}
			if removed > 0 {
				log.Info().Int64("removed", removed).Msg("Purged expired idempotency records")
			}
		}),
		gocron.WithName("idempotency-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}
