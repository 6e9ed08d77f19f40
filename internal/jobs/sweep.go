package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper deletes sessions whose expiry has passed.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type SessionSweep struct {
	sessions Sweeper
	timeout  time.Duration
	observe  func(deleted int64)
	log      zerolog.Logger
}

func NewSessionSweep(sessions Sweeper, timeout time.Duration, observe func(int64), log zerolog.Logger) *SessionSweep {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if observe == nil {
		observe = func(int64) {}
	}
	return &SessionSweep{
		sessions: sessions,
		timeout:  timeout,
		observe:  observe,
		log:      log.With().Str("job", "session_sweep").Logger(),
	}
}

// Run performs one sweep. Failures are logged; the next tick retries.
func (j *SessionSweep) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	deleted, err := j.sessions.Sweep(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("session sweep failed")
		return
	}
	j.observe(deleted)
	j.log.Info().Int64("deleted", deleted).Msg("session sweep completed")
}

// Schedule registers the sweep on a new cron scheduler. An empty schedule
// disables the job and returns a nil scheduler.
func Schedule(schedule string, job *SessionSweep) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	c := cron.New()
	if _, err := c.AddJob(schedule, job); err != nil {
		return nil, err
	}
	return c, nil
}
