package bookingsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/mmdatafocus/booking_sync/utils"
	"github.com/sirupsen/logrus"
)

const defaultJobBatchSize = 20

// ErrInvalidJob is wrapped by every Enqueue rejection.
var ErrInvalidJob = errors.New("invalid sync job")

// Publisher puts one message on the jobs topic and returns the server id.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error)
}

type TopicPublisher struct {
	topic *pubsub.Topic
}

func NewTopicPublisher(topic *pubsub.Topic) *TopicPublisher {
	return &TopicPublisher{topic: topic}
}

func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error) {
	res := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	return res.Get(ctx)
}

// Dispatcher validates jobs and hands them to the queue. It never touches the
// database; the worker records the run when it picks the job up.
type Dispatcher struct {
	publisher Publisher
	logger    *logrus.Logger
}

func NewDispatcher(publisher Publisher, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Dispatcher{publisher: publisher, logger: logger}
}

// Enqueue publishes job and returns its id without waiting for the run.
func (d *Dispatcher) Enqueue(ctx context.Context, job models.SyncJob) (string, error) {
	job, err := NormalizeJob(job)
	if err != nil {
		return "", err
	}
	job.JobId = uuid.NewString()

	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	msgId, err := d.publisher.Publish(ctx, data, map[string]string{
		"job_id":   job.JobId,
		"type":     string(job.Type),
		"priority": string(job.Priority),
	})
	if err != nil {
		return "", fmt.Errorf("publish sync job: %w", err)
	}

	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	d.logger.WithFields(logrus.Fields{
		"module":         "bookingsync",
		"job_id":         job.JobId,
		"type":           job.Type,
		"priority":       job.Priority,
		"message_id":     msgId,
		"correlation_id": cid,
	}).Info("sync job enqueued")
	return job.JobId, nil
}

// NormalizeJob fills defaults and rejects malformed jobs with ErrInvalidJob.
func NormalizeJob(job models.SyncJob) (models.SyncJob, error) {
	job.Type = models.SyncJobType(strings.ToLower(strings.TrimSpace(string(job.Type))))
	job.Priority = models.SyncJobPriority(strings.ToLower(strings.TrimSpace(string(job.Priority))))
	job.DateFrom = strings.TrimSpace(job.DateFrom)
	job.DateTo = strings.TrimSpace(job.DateTo)
	if job.BatchSize == 0 {
		job.BatchSize = defaultJobBatchSize
	}
	if job.Priority == "" {
		job.Priority = models.SyncJobPriorityNormal
	}

	if err := validate.Struct(job); err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidJob, utils.ProcessValidationErrors(err))
	}
	if job.Type == models.SyncJobTypeBackfill && (job.DateFrom == "" || job.DateTo == "") {
		return job, fmt.Errorf("%w: backfill needs date_from and date_to", ErrInvalidJob)
	}
	if job.DateFrom != "" && job.DateTo != "" && job.DateFrom > job.DateTo {
		return job, fmt.Errorf("%w: date_from %s is after date_to %s", ErrInvalidJob, job.DateFrom, job.DateTo)
	}
	return job, nil
}
