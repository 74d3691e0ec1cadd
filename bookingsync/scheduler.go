package bookingsync

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	scheduleLockKey = "lock:booking-sync:run"
	scheduleLockTTL = 3 * time.Hour
)

// TryLocker takes a cluster-wide lock without waiting. *beds24.RedisLocker
// implements it.
type TryLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// JobRunFunc is Runner.Run.
type JobRunFunc func(ctx context.Context, job models.SyncJob, triggeredBy string, attempt int) (RunSummary, error)

// Scheduler fires sync jobs on cron specs. Only the instance holding the
// run lock executes a tick; the others skip it.
type Scheduler struct {
	cron   *cron.Cron
	run    JobRunFunc
	locker TryLocker
	logger *logrus.Logger
}

func NewScheduler(run JobRunFunc, locker TryLocker, timezone string, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = config.GetLogger()
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("cron timezone %q: %w", timezone, err)
		}
		loc = l
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	return &Scheduler{cron: c, run: run, locker: locker, logger: logger}, nil
}

// Register adds a standard five-field cron spec for job.
func (s *Scheduler) Register(spec string, job models.SyncJob) (cron.EntryID, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return 0, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	job, err := NormalizeJob(job)
	if err != nil {
		return 0, err
	}
	return s.cron.AddFunc(spec, func() {
		s.Tick(context.Background(), job)
	})
}

// Tick runs job once if this instance wins the run lock.
func (s *Scheduler) Tick(ctx context.Context, job models.SyncJob) {
	fields := logrus.Fields{"module": "bookingsync", "type": job.Type, "trigger": models.SyncTriggeredSchedule}
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, scheduleLockKey, scheduleLockTTL)
		if err != nil {
			config.LogError(s.logger, "bookingsync", "Scheduler.Tick", "obtain run lock", job.Type, err)
			return
		}
		if !ok {
			s.logger.WithFields(fields).Info("another instance holds the run lock, skipping tick")
			return
		}
		defer unlock()
	}

	summary, err := s.run(ctx, job, models.SyncTriggeredSchedule, 1)
	fields["run_id"] = summary.RunId
	fields["status"] = summary.Status
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("scheduled sync failed")
		return
	}
	s.logger.WithFields(fields).Info("scheduled sync done")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule; the returned context ends once running ticks finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}
