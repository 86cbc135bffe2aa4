/*
scheduler.go - Automated replay of unfinished commission events

PURPOSE:
  Periodically picks up events left PARTIALLY_DISTRIBUTED or FAILED with a
  due NextRetryAt and replays them. Replays are idempotent, so a tick that
  overlaps a live worker only finds applied claims.

DESIGN:
  - robfig/cron drives the ticks; the schedule comes from REPLAY_SCHEDULE
    ("@every 1m", or a five-field cron expression)
  - Overlapping ticks are skipped, not queued
  - Each tick replays at most Batch events
  - Events whose retry budget is spent have no NextRetryAt and are left for
    POST /api/events/{id}/replay

USAGE:
  scheduler := NewReplayScheduler(engine, "@every 1m", 100, log)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/metrics"
)

// ReplayScheduler replays due commission events on a cron schedule.
type ReplayScheduler struct {
	Engine   *commission.Engine
	Schedule string
	Batch    int
	Log      logrus.FieldLogger
	Now      func() time.Time

	cron *cron.Cron
	mu   sync.Mutex
}

// ReplayRun summarizes one tick.
type ReplayRun struct {
	Due         int
	Distributed int
	Partial     int
	Failed      int
	Errors      int
}

func NewReplayScheduler(engine *commission.Engine, schedule string, batch int, log logrus.FieldLogger) *ReplayScheduler {
	if batch < 1 {
		batch = 100
	}
	return &ReplayScheduler{
		Engine:   engine,
		Schedule: schedule,
		Batch:    batch,
		Log:      log.WithField("component", "replay"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the job and starts the cron loop.
func (rs *ReplayScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(rs.Schedule, func() {
		if _, err := rs.RunOnce(context.Background()); err != nil {
			rs.Log.WithError(err).Error("replay tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid replay schedule %q: %w", rs.Schedule, err)
	}
	c.Start()
	rs.cron = c

	rs.Log.WithField("schedule", rs.Schedule).Info("replay scheduler started")
	return nil
}

// Stop waits for a running tick to finish.
func (rs *ReplayScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.cron = nil
	rs.Log.Info("replay scheduler stopped")
}

// RunOnce replays every event due now, up to Batch.
func (rs *ReplayScheduler) RunOnce(ctx context.Context) (ReplayRun, error) {
	due, err := rs.Engine.DueForRetry(ctx, rs.Now(), rs.Batch)
	if err != nil {
		return ReplayRun{}, fmt.Errorf("list due events: %w", err)
	}
	run := ReplayRun{Due: len(due)}
	if len(due) == 0 {
		return run, nil
	}

	for _, ev := range due {
		log := rs.Log.WithFields(logrus.Fields{"event_id": ev.ID, "attempts": ev.Attempts})
		out, err := rs.Engine.Replay(ctx, ev.ID)
		if err != nil {
			run.Errors++
			metrics.RecordReplay("error")
			log.WithError(err).Error("replay failed")
			continue
		}
		switch out.Event.Status {
		case commission.StatusDistributed:
			run.Distributed++
			metrics.RecordReplay("distributed")
		case commission.StatusPartiallyDistributed:
			run.Partial++
			metrics.RecordReplay("partial")
		default:
			run.Failed++
			metrics.RecordReplay("failed")
		}
		log.WithField("status", out.Event.Status).Info("event replayed")
	}

	rs.Log.WithFields(logrus.Fields{
		"due":         run.Due,
		"distributed": run.Distributed,
		"partial":     run.Partial,
		"failed":      run.Failed,
		"errors":      run.Errors,
	}).Info("replay tick finished")
	return run, nil
}
