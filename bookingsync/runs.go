package bookingsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/mmdatafocus/booking_sync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RunLog persists one SyncRun row per orchestrator run.
type RunLog interface {
	Create(ctx context.Context, run *models.SyncRun) error
	Save(ctx context.Context, run *models.SyncRun) error
	Recent(ctx context.Context, limit int) ([]models.SyncRun, error)
	// Latest returns (nil, nil) when no run has been recorded.
	Latest(ctx context.Context) (*models.SyncRun, error)
	MarkFailed(ctx context.Context, runId string, reason string) error
}

type GormRunLog struct {
	db *gorm.DB
}

func NewGormRunLog(db *gorm.DB) *GormRunLog {
	return &GormRunLog{db: db}
}

func (l *GormRunLog) Create(ctx context.Context, run *models.SyncRun) error {
	return l.db.WithContext(ctx).Create(run).Error
}

func (l *GormRunLog) Save(ctx context.Context, run *models.SyncRun) error {
	return l.db.WithContext(ctx).Save(run).Error
}

func (l *GormRunLog) Recent(ctx context.Context, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	err := l.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

func (l *GormRunLog) Latest(ctx context.Context) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := l.db.WithContext(ctx).Order("id desc").Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (l *GormRunLog) MarkFailed(ctx context.Context, runId string, reason string) error {
	return l.db.WithContext(ctx).Model(&models.SyncRun{}).
		Where("run_id = ?", runId).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusFailed,
			"last_error": utils.Truncate(reason, 2000),
		}).Error
}

// JobRunner executes a job's phases. *Orchestrator implements it.
type JobRunner interface {
	RunJob(ctx context.Context, job models.SyncJob) (RunSummary, error)
}

// Runner wraps a JobRunner with the run log, the report archive and the job
// metrics. Every entry point (HTTP, cron, queue) goes through it.
type Runner struct {
	jobs     JobRunner
	runs     RunLog
	archiver ReportArchiver
	now      func() time.Time
	logger   *logrus.Logger
}

type RunnerOptions struct {
	Archiver ReportArchiver
	Now      func() time.Time
	Logger   *logrus.Logger
}

func NewRunner(jobs JobRunner, runs RunLog, opts RunnerOptions) *Runner {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Runner{jobs: jobs, runs: runs, archiver: opts.Archiver, now: now, logger: logger}
}

// Run executes job and records it. The summary is returned even on error.
func (r *Runner) Run(ctx context.Context, job models.SyncJob, triggeredBy string, attempt int) (RunSummary, error) {
	runId := uuid.NewString()
	ctx = utils.SetRunIdInContext(ctx, runId)
	if job.JobId != "" {
		ctx = utils.SetJobIdInContext(ctx, job.JobId)
	}

	started := r.now().UTC()
	run := &models.SyncRun{
		RunId:       runId,
		JobId:       job.JobId,
		Type:        string(job.Type),
		Status:      models.SyncRunStatusRunning,
		TriggeredBy: triggeredBy,
		DateFrom:    job.DateFrom,
		DateTo:      job.DateTo,
		Attempt:     attempt,
		StartedAt:   &started,
	}
	// The run log is bookkeeping; a failed insert must not block the sync.
	logged := true
	if err := r.runs.Create(ctx, run); err != nil {
		logged = false
		config.LogError(r.logger, "bookingsync", "Runner.Run", "create sync run", runId, err)
	}

	summary, err := r.jobs.RunJob(ctx, job)
	summary.RunId = runId
	if summary.Status == "" {
		summary.finish(r.now(), err)
	}

	applySummary(run, summary)
	saveCtx := context.WithoutCancel(ctx)
	if logged {
		if serr := r.runs.Save(saveCtx, run); serr != nil {
			config.LogError(r.logger, "bookingsync", "Runner.Run", "save sync run", runId, serr)
		}
	}
	if r.archiver != nil {
		if aerr := r.archiver.Archive(saveCtx, summary); aerr != nil {
			config.LogError(r.logger, "bookingsync", "Runner.Run", "archive run report", runId, aerr)
		}
	}
	config.JobsProcessed.WithLabelValues(string(job.Type), summary.Status).Inc()
	return summary, err
}

// MarkDeadLettered flags a run the worker gave up on.
func (r *Runner) MarkDeadLettered(ctx context.Context, runId string, cause error) {
	if err := r.runs.MarkFailed(ctx, runId, "dead-lettered: "+cause.Error()); err != nil {
		config.LogError(r.logger, "bookingsync", "MarkDeadLettered", "mark run failed", runId, err)
	}
}

func (r *Runner) Recent(ctx context.Context, limit int) ([]models.SyncRun, error) {
	return r.runs.Recent(ctx, limit)
}

func (r *Runner) Latest(ctx context.Context) (*models.SyncRun, error) {
	return r.runs.Latest(ctx)
}

func applySummary(run *models.SyncRun, s RunSummary) {
	finished := s.FinishedAt.UTC()
	run.Status = s.Status
	run.Processed = s.Totals.Processed
	run.Created = s.Totals.Created
	run.Updated = s.Totals.Updated
	run.Skipped = s.Totals.Skipped
	run.ErrorCount = s.Totals.Errors
	run.StoreCount = s.StoreCount
	run.LastError = utils.Truncate(s.Error, 2000)
	run.FinishedAt = &finished
	if run.StartedAt != nil {
		run.DurationMs = finished.Sub(*run.StartedAt).Milliseconds()
	}
	if stats, err := json.Marshal(s); err == nil {
		run.StatsJSON = datatypes.JSON(stats)
	}
}
