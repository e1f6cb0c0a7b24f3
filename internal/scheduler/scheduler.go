// Markpad is a collaborative markdown workspace service.
// Copyright (C) 2025 Markpad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package scheduler runs the periodic janitor jobs: claim expiration,
// rate-limit row cleanup, the soft-delete file reaper, and webhook
// delivery-log retention. Job failures are logged, never fatal, and
// each job takes its own notion of now at entry so reruns are
// idempotent.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"markpad/internal/events"
	"markpad/internal/metrics"
	"markpad/internal/ratelimit"
	"markpad/internal/store"
)

// Retention is how long soft-deleted files and webhook delivery rows
// are kept before the reapers remove them.
const Retention = 7 * 24 * time.Hour

// Scheduler owns the cron runner and the job implementations.
type Scheduler struct {
	cron    *cron.Cron
	store   *store.Store
	limiter *ratelimit.Engine
	bus     *events.Bus
	logger  *log.Logger
	now     func() time.Time
}

// New wires the four janitor jobs onto a cron runner. A job that is
// still running when its next tick arrives delays that tick instead of
// overlapping itself.
func New(s *store.Store, limiter *ratelimit.Engine, bus *events.Bus, logger *log.Logger) (*Scheduler, error) {
	sched := &Scheduler{
		store:   s,
		limiter: limiter,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}

	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(
		cron.DelayIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"@every 30s", "expire_claims", sched.ExpireClaims},
		{"@every 5m", "cleanup_rate_limits", sched.CleanupExpiredRateLimits},
		{"@every 1h", "cleanup_deleted_files", sched.CleanupDeletedFiles},
		{"@every 1h", "cleanup_webhook_deliveries", sched.CleanupWebhookDeliveries},
	}
	for _, j := range jobs {
		job := j
		_, err := c.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := job.run(ctx); err != nil {
				sched.logf("job %s failed: %v", job.name, err)
				metrics.ObserveJobRun(job.name, "error")
				return
			}
			metrics.ObserveJobRun(job.name, "ok")
		})
		if err != nil {
			return nil, err
		}
	}

	sched.cron = c
	return sched, nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() {
	s.logf("starting background jobs")
	s.cron.Start()
}

// Stop halts scheduling and returns a context that is done when all
// running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.logf("stopping background jobs")
	return s.cron.Stop()
}

// ExpireClaims flips active claims past their expiry to expired,
// re-opens the parent task, and publishes claim.expired per claim.
func (s *Scheduler) ExpireClaims(ctx context.Context) error {
	now := s.now().UTC()
	expired, err := s.store.ExpireActiveClaims(ctx, now)
	if err != nil {
		return err
	}
	for _, c := range expired {
		s.logf("claim %s on task %s expired (author=%s)", c.ClaimID, c.TaskID, c.Author)
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Name:        "claim.expired",
				WorkspaceID: c.WorkspaceID,
				FilePath:    c.FilePath,
				Timestamp:   now,
				Data: map[string]any{
					"claimId":   c.ClaimID,
					"taskId":    c.TaskID,
					"author":    c.Author,
					"expiredAt": c.ExpiredAt.UTC().Format(time.RFC3339),
				},
			})
		}
	}
	return nil
}

// CleanupExpiredRateLimits removes counter rows whose window closed
// longer than the largest configured window ago.
func (s *Scheduler) CleanupExpiredRateLimits(ctx context.Context) error {
	_, err := s.limiter.CleanupExpired(ctx)
	return err
}

// CleanupDeletedFiles hard-deletes files soft-deleted before the
// retention cutoff, along with their appends.
func (s *Scheduler) CleanupDeletedFiles(ctx context.Context) error {
	n, err := s.store.HardDeleteFilesDeletedBefore(ctx, s.now().UTC().Add(-Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logf("reaped %d soft-deleted files", n)
	}
	return nil
}

// CleanupWebhookDeliveries purges delivery audit rows older than the
// retention cutoff.
func (s *Scheduler) CleanupWebhookDeliveries(ctx context.Context) error {
	n, err := s.store.DeleteWebhookDeliveriesBefore(ctx, s.now().UTC().Add(-Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logf("purged %d webhook delivery records", n)
	}
	return nil
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[scheduler] "+format, args...)
	}
}
