package jobs

import (
	"context"
	"time"
)

// Janitor periodically deletes jobs older than a retention period.
type Janitor struct {
	service  *Service
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor. A maxAge of zero disables Run.
func NewJanitor(service *Service, maxAge, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{service: service, maxAge: maxAge, interval: interval, now: time.Now}
}

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx, j.maxAge); err != nil && ctx.Err() == nil {
			j.service.logger.Warn().Err(err).Msg("Cleanup sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes every job created more than olderThan ago and returns how
// many were removed. Jobs still converting are skipped.
func (j *Janitor) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	s := j.service
	cutoff := j.now().Add(-olderThan).UTC()

	jobs, err := s.jobs.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		if !job.Status.Terminal() {
			continue
		}
		if err := s.remove(ctx, job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to delete expired job")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().
			Int("jobs", removed).
			Dur("older_than", olderThan).
			Msg("Deleted expired jobs")
	}
	return removed, nil
}
