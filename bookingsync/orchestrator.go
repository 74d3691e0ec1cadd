package bookingsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/mmdatafocus/booking_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/mmdatafocus/booking_sync/bookingsync")

// BookingSource is the read side of the Beds24 client.
type BookingSource interface {
	GetBookings(ctx context.Context, q beds24.BookingQuery) (beds24.BookingPage, error)
}

type OrchestratorOptions struct {
	BatchSize   int
	PageSize    int
	Concurrency int
	BatchDelay  time.Duration
	Windows     PhaseWindows
	Transformer Transformer
	Now         func() time.Time
	// Sleep waits between batches. Nil means a real timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logrus.Logger
}

// Orchestrator runs sync phases: page through Beds24, transform, validate and
// reconcile in bounded-parallel batches.
type Orchestrator struct {
	source      BookingSource
	store       BookingStore
	reconciler  *Reconciler
	transformer Transformer
	windows     PhaseWindows
	batchSize   int
	pageSize    int
	concurrency int
	batchDelay  time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *logrus.Logger
}

func NewOrchestrator(source BookingSource, store BookingStore, opts OrchestratorOptions) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	windows := opts.Windows
	if windows == (PhaseWindows{}) {
		windows = DefaultPhaseWindows()
	}
	transformer := opts.Transformer
	if transformer.Now == nil {
		transformer.Now = now
	}
	return &Orchestrator{
		source:      source,
		store:       store,
		reconciler:  NewReconciler(store, now),
		transformer: transformer,
		windows:     windows,
		batchSize:   positiveOr(opts.BatchSize, 20),
		pageSize:    positiveOr(opts.PageSize, 100),
		concurrency: positiveOr(opts.Concurrency, 5),
		batchDelay:  opts.BatchDelay,
		now:         now,
		sleep:       sleep,
		logger:      logger,
	}
}

// NewOrchestratorFromSettings wires the orchestrator with the service settings.
func NewOrchestratorFromSettings(s config.Settings, source BookingSource, store BookingStore) *Orchestrator {
	return NewOrchestrator(source, store, OrchestratorOptions{
		BatchSize:   s.SyncBatchSize,
		PageSize:    s.SyncPageSize,
		Concurrency: s.SyncConcurrency,
		BatchDelay:  s.SyncBatchDelay,
		Windows: PhaseWindows{
			NewLookbackDays: s.SyncNewLookbackDays,
			NewAheadDays:    s.SyncNewAheadDays,
			ModifiedHours:   s.SyncModifiedHours,
			UpcomingDays:    s.SyncUpcomingDays,
			CancelledDays:   s.SyncCancelledDays,
		},
		Transformer: Transformer{PhoneRegion: s.PhoneRegion},
	})
}

// RunPhase runs a single phase to completion (or until a fetch fails).
func (o *Orchestrator) RunPhase(ctx context.Context, req PhaseRequest) (SyncPhaseResult, error) {
	return o.runPhase(ctx, req, newIdSet())
}

// RunAll runs the given phases (DefaultPhases when empty) in order.
func (o *Orchestrator) RunAll(ctx context.Context, phases ...Phase) (RunSummary, error) {
	if len(phases) == 0 {
		phases = DefaultPhases
	}
	reqs := make([]PhaseRequest, 0, len(phases))
	for _, p := range phases {
		reqs = append(reqs, PhaseRequest{Phase: p})
	}
	return o.RunPhases(ctx, reqs)
}

// RunJob maps a queued job onto phases.
func (o *Orchestrator) RunJob(ctx context.Context, job models.SyncJob) (RunSummary, error) {
	if job.Type == models.SyncJobTypeFull {
		reqs := make([]PhaseRequest, 0, len(DefaultPhases))
		for _, p := range DefaultPhases {
			reqs = append(reqs, PhaseRequest{Phase: p, BatchSize: job.BatchSize})
		}
		return o.RunPhases(ctx, reqs)
	}
	return o.RunPhases(ctx, []PhaseRequest{{
		Phase:     Phase(job.Type),
		DateFrom:  job.DateFrom,
		DateTo:    job.DateTo,
		BatchSize: job.BatchSize,
	}})
}

// RunPhases runs reqs sequentially. Auth, configuration and rate limit
// failures abort the run; a transport failure only ends its own phase,
// unless no phase finished at all, in which case it is returned so queued
// jobs get redelivered. The summary is always returned, also alongside an
// error.
func (o *Orchestrator) RunPhases(ctx context.Context, reqs []PhaseRequest) (RunSummary, error) {
	runId, ok := utils.GetRunIdFromContext(ctx)
	if !ok || runId == "" {
		runId = uuid.NewString()
		ctx = utils.SetRunIdInContext(ctx, runId)
	}
	summary := RunSummary{RunId: runId, StartedAt: o.now()}
	seen := newIdSet()

	var runErr, lastErr error
	completed := 0
	for _, req := range reqs {
		res, err := o.runPhase(ctx, req, seen)
		summary.Phases = append(summary.Phases, res)
		summary.Totals.add(res)
		if err == nil {
			completed++
			continue
		}
		lastErr = err
		if beds24.IsFatal(err) || ctx.Err() != nil {
			runErr = err
			break
		}
	}
	if runErr == nil && completed == 0 && beds24.IsTransport(lastErr) {
		runErr = lastErr
	}
	summary.Totals.Phase = "total"
	summary.UniqueBookings = seen.len()

	countCtx := ctx
	if ctx.Err() != nil {
		countCtx = context.WithoutCancel(ctx)
	}
	if n, err := o.store.Count(countCtx); err != nil {
		config.LogError(o.logger, "bookingsync", "RunPhases", "count bookings", nil, err)
	} else {
		summary.StoreCount = n
	}

	summary.finish(o.now(), runErr)
	o.logger.WithFields(logrus.Fields{
		"module":          "bookingsync",
		"run_id":          summary.RunId,
		"status":          summary.Status,
		"processed":       summary.Totals.Processed,
		"created":         summary.Totals.Created,
		"updated":         summary.Totals.Updated,
		"skipped":         summary.Totals.Skipped,
		"errors":          summary.Totals.Errors,
		"unique_bookings": summary.UniqueBookings,
		"store_count":     summary.StoreCount,
		"duration":        summary.Duration.String(),
	}).Info("sync run finished")
	return summary, runErr
}

func (o *Orchestrator) runPhase(ctx context.Context, req PhaseRequest, seen *idSet) (res SyncPhaseResult, err error) {
	start := o.now()
	res.Phase = req.Phase

	ctx, span := tracer.Start(ctx, "bookingsync.phase", trace.WithAttributes(
		attribute.String("phase", string(req.Phase)),
	))
	defer func() {
		res.Duration = o.now().Sub(start)
		config.PhaseDuration.WithLabelValues(string(req.Phase)).Observe(res.Duration.Seconds())
		span.SetAttributes(
			attribute.Int("processed", res.Processed),
			attribute.Int("errors", res.Errors),
		)
		if err != nil {
			res.Aborted = true
			res.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		o.logPhase(ctx, res)
	}()

	q, err := o.windows.query(req, o.now())
	if err != nil {
		return res, err
	}
	batchSize := positiveOr(req.BatchSize, o.batchSize)
	q.Limit = o.pageSize

	batches := 0
	for offset := 0; ; {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		q.Offset = offset
		page, err := o.source.GetBookings(ctx, q)
		if err != nil {
			return res, err
		}
		res.Pages++
		if len(page.Data) == 0 {
			return res, nil
		}

		records := o.prepare(ctx, req.Phase, page.Data, &res)
		for _, batch := range chunk(records, batchSize) {
			if batches > 0 && o.batchDelay > 0 {
				if err := o.sleep(ctx, o.batchDelay); err != nil {
					return res, err
				}
			}
			batches++
			o.reconcileBatch(ctx, req.Phase, batch, &res, seen)
		}

		if page.Last() {
			return res, nil
		}
		offset += len(page.Data)
	}
}

// prepare transforms and validates one page, dropping in-page duplicates and,
// for the new-bookings phase, ids that are already stored.
func (o *Orchestrator) prepare(ctx context.Context, phase Phase, data []json.RawMessage, res *SyncPhaseResult) []*models.Booking {
	byId := make(map[string]int, len(data))
	records := make([]*models.Booking, 0, len(data))
	for _, raw := range data {
		b, err := o.transformer.Transform(raw)
		if err == nil {
			err = Validate(b)
		}
		if err != nil {
			id := ""
			if b != nil {
				id = b.BookingId
			}
			res.fail(id, err)
			config.BookingsReconciled.WithLabelValues(string(phase), "error").Inc()
			continue
		}
		if i, ok := byId[b.BookingId]; ok {
			// Same booking twice in one page: keep the newer payload.
			if IsNewer(b.ModifiedDate, records[i].ModifiedDate) {
				records[i] = b
			}
			res.record(ActionSkipped)
			continue
		}
		byId[b.BookingId] = len(records)
		records = append(records, b)
	}

	if phase != PhaseNew || len(records) == 0 {
		return records
	}

	ids := make([]string, 0, len(records))
	for _, b := range records {
		ids = append(ids, b.BookingId)
	}
	known, err := o.store.ExistingIds(ctx, ids)
	if err != nil {
		// Reconciliation is idempotent, so fall back to processing everything.
		config.LogError(o.logger, "bookingsync", "prepare", "lookup known booking ids", nil, err)
		return records
	}
	fresh := records[:0]
	for _, b := range records {
		if _, ok := known[b.BookingId]; ok {
			res.record(ActionSkipped)
			continue
		}
		fresh = append(fresh, b)
	}
	return fresh
}

func (o *Orchestrator) reconcileBatch(ctx context.Context, phase Phase, batch []*models.Booking, res *SyncPhaseResult, seen *idSet) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.concurrency)
	for _, b := range batch {
		b := b
		g.Go(func() error {
			out, err := o.reconciler.Reconcile(ctx, b)
			seen.add(b.BookingId)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.fail(b.BookingId, err)
				config.BookingsReconciled.WithLabelValues(string(phase), "error").Inc()
				config.LogError(o.logger, "bookingsync", "reconcileBatch", string(phase), b.BookingId, err)
				return nil
			}
			res.record(out.Action)
			config.BookingsReconciled.WithLabelValues(string(phase), string(out.Action)).Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// SyncOne reconciles a single raw payload outside of a phase (webhooks).
func (o *Orchestrator) SyncOne(ctx context.Context, raw json.RawMessage) (ReconcileResult, error) {
	b, err := o.transformer.Transform(raw)
	if err == nil {
		err = Validate(b)
	}
	if err != nil {
		config.BookingsReconciled.WithLabelValues(string(PhaseWebhook), "error").Inc()
		return ReconcileResult{Table: BookingsTable}, err
	}
	out, err := o.reconciler.Reconcile(ctx, b)
	if err != nil {
		config.BookingsReconciled.WithLabelValues(string(PhaseWebhook), "error").Inc()
		return out, err
	}
	config.BookingsReconciled.WithLabelValues(string(PhaseWebhook), string(out.Action)).Inc()
	return out, nil
}

// MarkMissing flags a stored booking that Beds24 no longer knows as
// cancelled. It reports false when there is no row to flag.
func (o *Orchestrator) MarkMissing(ctx context.Context, bookingId string) (bool, error) {
	now := o.now().UTC()
	applied, err := o.store.MarkMissing(ctx, bookingId, stampOf(now), now)
	if err != nil {
		return false, &ReconciliationError{BookingId: bookingId, Op: "mark missing", Err: err}
	}
	if applied {
		config.BookingsReconciled.WithLabelValues(string(PhaseWebhook), "marked_missing").Inc()
	}
	return applied, nil
}

func (o *Orchestrator) logPhase(ctx context.Context, res SyncPhaseResult) {
	runId, _ := utils.GetRunIdFromContext(ctx)
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	entry := o.logger.WithFields(logrus.Fields{
		"module":         "bookingsync",
		"phase":          res.Phase,
		"run_id":         runId,
		"correlation_id": cid,
		"pages":          res.Pages,
		"processed":      res.Processed,
		"created":        res.Created,
		"updated":        res.Updated,
		"skipped":        res.Skipped,
		"errors":         res.Errors,
		"duration":       res.Duration.String(),
	})
	if res.Aborted {
		entry.WithField("error", res.Error).Warn("sync phase aborted")
		return
	}
	entry.Info("sync phase finished")
}

func chunk(records []*models.Booking, size int) [][]*models.Booking {
	if size <= 0 {
		size = len(records)
	}
	var out [][]*models.Booking
	for len(records) > 0 {
		n := min(size, len(records))
		out = append(out, records[:n])
		records = records[n:]
	}
	return out
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type idSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newIdSet() *idSet {
	return &idSet{ids: make(map[string]struct{})}
}

func (s *idSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *idSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
