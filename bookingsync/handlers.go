package bookingsync

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/mmdatafocus/booking_sync/utils"
	"github.com/sirupsen/logrus"
)

type RunService interface {
	Run(ctx context.Context, job models.SyncJob, triggeredBy string, attempt int) (RunSummary, error)
	Recent(ctx context.Context, limit int) ([]models.SyncRun, error)
	Latest(ctx context.Context) (*models.SyncRun, error)
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, job models.SyncJob) (string, error)
}

type BookingSyncer interface {
	SyncOne(ctx context.Context, raw json.RawMessage) (ReconcileResult, error)
	MarkMissing(ctx context.Context, bookingId string) (bool, error)
}

type BookingFetcher interface {
	GetBooking(ctx context.Context, bookingId string) (json.RawMessage, bool, error)
}

type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, msgId string, data []byte, brokerAttempt *int) bool
}

type BookingCounter interface {
	Count(ctx context.Context) (int64, error)
}

type WebhookDebouncer interface {
	Debounce(ctx context.Context, key string, fn func(ctx context.Context)) error
}

// Handlers serves the operator API, the Beds24 webhook and the Pub/Sub push
// endpoint. Nil collaborators turn their routes into 503s.
type Handlers struct {
	Runs         RunService
	Jobs         JobEnqueuer
	Syncer       BookingSyncer
	Fetcher      BookingFetcher
	Messages     DeliveryHandler
	Bookings     BookingCounter
	Locker       TryLocker
	Debouncer    WebhookDebouncer
	WebhookToken string
	Logger       *logrus.Logger
}

func (h *Handlers) logger() *logrus.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return config.GetLogger()
}

type runRequest struct {
	DateFrom  string `json:"date_from"`
	DateTo    string `json:"date_to"`
	BatchSize int    `json:"batch_size"`
}

// RunAllHandler runs every default phase synchronously.
func (h *Handlers) RunAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req runRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		h.runJob(c, models.SyncJob{Type: models.SyncJobTypeFull, BatchSize: req.BatchSize})
	}
}

// RunPhaseHandler runs one phase; dates override the phase window.
func (h *Handlers) RunPhaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		phase, err := ParsePhase(c.Param("phase"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req runRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		h.runJob(c, models.SyncJob{
			Type:      models.SyncJobType(phase),
			DateFrom:  req.DateFrom,
			DateTo:    req.DateTo,
			BatchSize: req.BatchSize,
		})
	}
}

func (h *Handlers) runJob(c *gin.Context, job models.SyncJob) {
	if h.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync runner unavailable"})
		return
	}
	job, err := NormalizeJob(job)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if subject, ok := utils.GetAdminSubjectFromContext(ctx); ok {
		job.TriggeredBy = subject
	}

	if h.Locker != nil {
		unlock, ok, err := h.Locker.TryLock(ctx, scheduleLockKey, scheduleLockTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "a sync run is already in progress"})
			return
		}
		defer unlock()
	}

	summary, err := h.Runs.Run(ctx, job, models.SyncTriggeredManual, 1)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// EnqueueJobHandler validates and publishes a job; the worker runs it later.
func (h *Handlers) EnqueueJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Jobs == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync queue unavailable"})
			return
		}
		var job models.SyncJob
		if err := c.ShouldBindJSON(&job); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if job.TriggeredBy == "" {
			job.TriggeredBy, _ = utils.GetAdminSubjectFromContext(c.Request.Context())
		}
		jobId, err := h.Jobs.Enqueue(c.Request.Context(), job)
		if err != nil {
			if errors.Is(err, ErrInvalidJob) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobId})
	}
}

func (h *Handlers) RunHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Runs == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync runner unavailable"})
			return
		}
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		runs, err := h.Runs.Recent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []models.SyncRun{}
		}
		c.JSON(http.StatusOK, gin.H{"items": runs})
	}
}

func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resp := gin.H{"last_run": nil, "store_count": nil}
		if h.Runs != nil {
			last, err := h.Runs.Latest(ctx)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if last != nil {
				resp["last_run"] = last
			}
		}
		if h.Bookings != nil {
			n, err := h.Bookings.Count(ctx)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			resp["store_count"] = n
		}
		c.JSON(http.StatusOK, resp)
	}
}

type webhookPayload struct {
	Booking   json.RawMessage   `json:"booking"`
	Bookings  []json.RawMessage `json:"bookings"`
	Id        flexString        `json:"id"`
	BookingId flexString        `json:"bookingId"`
	Arrival   string            `json:"arrival"`
}

// Webhook-only outcomes.
const (
	ActionScheduled     Action = "scheduled"
	ActionMarkedMissing Action = "marked_missing"
)

type webhookItem struct {
	BookingId string `json:"booking_id,omitempty"`
	Action    Action `json:"action,omitempty"`
	Error     string `json:"error,omitempty"`
}

// webhookTarget is one booking named by a notification. payload is the copy
// the notification carried, if any.
type webhookTarget struct {
	id      string
	payload json.RawMessage
}

// WebhookHandler syncs the bookings named by a Beds24 notification. The
// canonical booking is fetched from the API; the notification's own copy is
// only used when the API does not return it yet. With a Debouncer, bursts
// for the same booking collapse into one sync after the window.
func (h *Handlers) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.webhookAuthorized(c) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if h.Syncer == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync unavailable"})
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		targets, err := webhookTargets(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		status := http.StatusOK
		items := make([]webhookItem, 0, len(targets))
		for _, t := range targets {
			if t.payload == nil && h.Fetcher == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "booking lookup unavailable"})
				return
			}
			if h.scheduleWebhook(ctx, t) {
				status = http.StatusAccepted
				items = append(items, webhookItem{BookingId: t.id, Action: ActionScheduled})
				continue
			}
			item, fetchErr := h.syncWebhookTarget(ctx, t)
			if fetchErr != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": fetchErr.Error(), "fatal": beds24.IsFatal(fetchErr)})
				return
			}
			items = append(items, item)
		}
		c.JSON(status, gin.H{"items": items})
	}
}

func webhookTargets(body []byte) ([]webhookTarget, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.New("invalid request")
	}
	topId := firstNonEmpty(string(p.BookingId), string(p.Id))
	switch {
	case len(p.Booking) > 0:
		return []webhookTarget{{id: firstNonEmpty(payloadId(p.Booking), topId), payload: p.Booking}}, nil
	case len(p.Bookings) > 0:
		targets := make([]webhookTarget, 0, len(p.Bookings))
		for _, raw := range p.Bookings {
			targets = append(targets, webhookTarget{id: payloadId(raw), payload: raw})
		}
		return targets, nil
	case p.Arrival != "":
		// The notification is the booking itself.
		return []webhookTarget{{id: topId, payload: json.RawMessage(body)}}, nil
	case topId != "":
		return []webhookTarget{{id: topId}}, nil
	}
	return nil, errors.New("no booking in payload")
}

func payloadId(raw json.RawMessage) string {
	var ids struct {
		Id     flexString `json:"id"`
		BookId flexString `json:"bookId"`
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return ""
	}
	return firstNonEmpty(string(ids.Id), string(ids.BookId))
}

// scheduleWebhook hands t to the debouncer. False means t must be synced now.
func (h *Handlers) scheduleWebhook(ctx context.Context, t webhookTarget) bool {
	if h.Debouncer == nil || t.id == "" {
		return false
	}
	err := h.Debouncer.Debounce(ctx, t.id, func(ctx context.Context) {
		item, fetchErr := h.syncWebhookTarget(ctx, t)
		entry := h.logger().WithFields(logrus.Fields{
			"module":     "bookingsync",
			"booking_id": item.BookingId,
			"action":     item.Action,
		})
		switch {
		case fetchErr != nil:
			entry.WithError(fetchErr).Error("debounced webhook sync failed")
		case item.Error != "":
			entry.WithField("error", item.Error).Warn("debounced webhook sync rejected")
		default:
			entry.Info("debounced webhook synced")
		}
	})
	if err != nil {
		config.LogError(h.logger(), "bookingsync", "WebhookHandler", "debounce webhook", t.id, err)
		return false
	}
	return true
}

// syncWebhookTarget resolves and reconciles one target. The error is only
// set when the Beds24 lookup itself failed.
func (h *Handlers) syncWebhookTarget(ctx context.Context, t webhookTarget) (webhookItem, error) {
	raw := t.payload
	if t.id != "" && h.Fetcher != nil {
		fetched, found, err := h.Fetcher.GetBooking(ctx, t.id)
		if err != nil {
			config.LogError(h.logger(), "bookingsync", "WebhookHandler", "fetch booking", t.id, err)
			return webhookItem{BookingId: t.id}, err
		}
		if found {
			raw = fetched
		}
	}
	if raw == nil {
		return h.markMissing(ctx, t.id), nil
	}

	res, err := h.Syncer.SyncOne(ctx, raw)
	item := webhookItem{BookingId: firstNonEmpty(res.BookingId, t.id), Action: res.Action}
	if err != nil {
		item.Error = err.Error()
		var vErr *ValidationError
		if errors.As(err, &vErr) && item.BookingId == "" {
			item.BookingId = vErr.BookingId
		}
		config.LogError(h.logger(), "bookingsync", "WebhookHandler", "sync booking", item.BookingId, err)
	}
	return item, nil
}

func (h *Handlers) markMissing(ctx context.Context, bookingId string) webhookItem {
	item := webhookItem{BookingId: bookingId}
	marked, err := h.Syncer.MarkMissing(ctx, bookingId)
	switch {
	case err != nil:
		item.Error = err.Error()
		config.LogError(h.logger(), "bookingsync", "WebhookHandler", "mark booking missing", bookingId, err)
	case marked:
		item.Action = ActionMarkedMissing
		h.logger().WithFields(logrus.Fields{
			"module":     "bookingsync",
			"booking_id": bookingId,
		}).Info("booking no longer in beds24, marked cancelled")
	default:
		item.Error = "not found"
	}
	return item
}

func (h *Handlers) webhookAuthorized(c *gin.Context) bool {
	if h.WebhookToken == "" {
		return true
	}
	got := c.GetHeader("X-Webhook-Token")
	if got == "" {
		got = c.Query("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookToken)) == 1
}

type pushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		MessageId  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription    string `json:"subscription"`
	DeliveryAttempt int    `json:"deliveryAttempt"`
}

// PubSubPushHandler acks with 204 and asks for redelivery with 500. Pushes
// from subscriptions without a dead-letter policy carry no delivery attempt;
// those are counted by message id.
func (h *Handlers) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Messages == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		var env pushEnvelope
		if err := c.ShouldBindJSON(&env); err != nil {
			// Malformed pushes would be redelivered forever.
			config.LogError(h.logger(), "bookingsync", "PubSubPushHandler", "decode push envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var attempt *int
		if env.DeliveryAttempt > 0 {
			attempt = &env.DeliveryAttempt
		}
		if h.Messages.HandleDelivery(c.Request.Context(), env.Message.MessageId, env.Message.Data, attempt) {
			c.Status(http.StatusNoContent)
			return
		}
		c.Status(http.StatusInternalServerError)
	}
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}
