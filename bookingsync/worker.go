package bookingsync

import (
	"context"
	"encoding/json"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/sirupsen/logrus"
)

// RunExecutor is the part of *Runner the worker needs.
type RunExecutor interface {
	Run(ctx context.Context, job models.SyncJob, triggeredBy string, attempt int) (RunSummary, error)
	MarkDeadLettered(ctx context.Context, runId string, cause error)
}

// Worker consumes sync jobs. Redelivery is the queue's retry: a job that
// failed hard is nacked until it has been delivered maxAttempts times.
type Worker struct {
	runner      RunExecutor
	maxAttempts int
	concurrency int
	logger      *logrus.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func NewWorker(runner RunExecutor, maxAttempts, concurrency int, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Worker{
		runner:      runner,
		maxAttempts: positiveOr(maxAttempts, 3),
		concurrency: positiveOr(concurrency, 2),
		logger:      logger,
		attempts:    make(map[string]int),
	}
}

// HandleMessage decodes one queue payload and runs it. It reports whether the
// message should be acked.
func (w *Worker) HandleMessage(ctx context.Context, data []byte, attempt int) bool {
	var job models.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		config.LogError(w.logger, "bookingsync", "HandleMessage", "decode sync job", string(data), err)
		config.JobsProcessed.WithLabelValues("unknown", "undecodable").Inc()
		return true
	}
	return w.HandleJob(ctx, job, attempt)
}

func (w *Worker) HandleJob(ctx context.Context, job models.SyncJob, attempt int) bool {
	attempt = max(attempt, 1)
	fields := logrus.Fields{
		"module":  "bookingsync",
		"job_id":  job.JobId,
		"type":    job.Type,
		"attempt": attempt,
	}

	job, err := NormalizeJob(job)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Error("dropping invalid sync job")
		config.JobsProcessed.WithLabelValues(string(job.Type), "invalid").Inc()
		return true
	}

	summary, err := w.runner.Run(ctx, job, models.SyncTriggeredQueue, attempt)
	fields["run_id"] = summary.RunId
	fields["status"] = summary.Status
	if err == nil {
		w.logger.WithFields(fields).Info("sync job done")
		return true
	}

	fields["fatal"] = beds24.IsFatal(err)
	if attempt < w.maxAttempts {
		w.logger.WithFields(fields).WithError(err).Warn("sync job failed, leaving it for redelivery")
		return false
	}
	w.logger.WithFields(fields).WithError(err).Error("sync job exhausted its attempts, dead-lettering")
	w.runner.MarkDeadLettered(context.WithoutCancel(ctx), summary.RunId, err)
	config.JobsProcessed.WithLabelValues(string(job.Type), "dead_lettered").Inc()
	return true
}

// HandleDelivery handles one broker delivery of msgId. brokerAttempt is nil
// when the subscription has no dead-letter policy.
func (w *Worker) HandleDelivery(ctx context.Context, msgId string, data []byte, brokerAttempt *int) bool {
	attempt := w.deliveryAttempt(msgId, brokerAttempt)
	if w.HandleMessage(ctx, data, attempt) {
		w.forget(msgId)
		return true
	}
	return false
}

// Run receives from sub until ctx ends.
func (w *Worker) Run(ctx context.Context, sub *pubsub.Subscription) error {
	sub.ReceiveSettings.MaxOutstandingMessages = w.concurrency
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if w.HandleDelivery(ctx, msg.ID, msg.Data, msg.DeliveryAttempt) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// deliveryAttempt prefers the broker's counter, which is only populated when
// the subscription has a dead-letter policy. Otherwise deliveries are counted
// per message id in this process.
func (w *Worker) deliveryAttempt(msgId string, brokerAttempt *int) int {
	if msgId == "" {
		if brokerAttempt != nil {
			return *brokerAttempt
		}
		return 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.attempts[msgId] + 1
	if brokerAttempt != nil {
		n = *brokerAttempt
	}
	w.attempts[msgId] = n
	return n
}

func (w *Worker) forget(msgId string) {
	w.mu.Lock()
	delete(w.attempts, msgId)
	w.mu.Unlock()
}
