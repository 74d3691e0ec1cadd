package bookingsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/booking_sync/models"
)

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
)

type ReconcileResult struct {
	Action    Action `json:"action"`
	Table     string `json:"table"`
	BookingId string `json:"booking_id"`
}

// ReconciliationError wraps a store failure for one record. Callers count it
// and move on to the next record.
type ReconciliationError struct {
	BookingId string
	Op        string
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile booking %s (%s): %v", e.BookingId, e.Op, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// Reconciler decides create / update / skip for one validated booking.
type Reconciler struct {
	store BookingStore
	now   func() time.Time
}

func NewReconciler(store BookingStore, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{store: store, now: now}
}

func (r *Reconciler) Reconcile(ctx context.Context, incoming *models.Booking) (ReconcileResult, error) {
	res := ReconcileResult{Table: BookingsTable, BookingId: incoming.BookingId}

	existing, err := r.store.FindUnique(ctx, incoming.BookingId)
	if err != nil {
		return res, &ReconciliationError{BookingId: incoming.BookingId, Op: "find", Err: err}
	}

	if existing == nil {
		incoming.LastUpdatedBD = r.now().UTC()
		incoming.RecomputeBalance()
		err := r.store.Create(ctx, incoming)
		if err == nil {
			res.Action = ActionCreated
			return res, nil
		}
		if !errors.Is(err, ErrDuplicateBooking) {
			return res, &ReconciliationError{BookingId: incoming.BookingId, Op: "create", Err: err}
		}
		// Lost a create race; fall through to the update rule.
		existing, err = r.store.FindUnique(ctx, incoming.BookingId)
		if err != nil {
			return res, &ReconciliationError{BookingId: incoming.BookingId, Op: "find", Err: err}
		}
		if existing == nil {
			return res, &ReconciliationError{BookingId: incoming.BookingId, Op: "find", Err: errors.New("row vanished after duplicate key")}
		}
	}

	if !IsNewer(incoming.ModifiedDate, existing.ModifiedDate) {
		res.Action = ActionSkipped
		return res, nil
	}

	if merged, err := mergeStoredMessages(existing, incoming); err == nil {
		incoming.Messages = models.EncodeJSON(merged)
	}
	incoming.LastUpdatedBD = r.now().UTC()
	incoming.RecomputeBalance()

	applied, err := r.store.Update(ctx, incoming)
	if err != nil {
		return res, &ReconciliationError{BookingId: incoming.BookingId, Op: "update", Err: err}
	}
	if !applied {
		res.Action = ActionSkipped
		return res, nil
	}
	res.Action = ActionUpdated
	return res, nil
}

// IsNewer reports whether incoming should replace stored. A missing stored
// date always loses; equal dates are not newer.
func IsNewer(incoming, stored *string) bool {
	if stored == nil || *stored == "" {
		return true
	}
	if incoming == nil {
		return false
	}
	return *incoming > *stored
}

func mergeStoredMessages(existing, incoming *models.Booking) ([]models.Message, error) {
	stored, err := existing.MessageList()
	if err != nil {
		return nil, err
	}
	fresh, err := incoming.MessageList()
	if err != nil {
		return nil, err
	}
	return MergeMessages(stored, fresh), nil
}
