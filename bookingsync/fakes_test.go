package bookingsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func strPtr(s string) *string { return &s }

// stamp is the stored form of a modified timestamp.
func stamp(v string) string { return *modifiedDate(v) }

// memStore mimics GormBookingStore, including the conditional update.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]models.Booking
	creates int
	updates int

	// beforeCreate runs (unlocked) before the row is inserted.
	beforeCreate func(b *models.Booking)
	failIds      map[string]error
	existingErr  error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]models.Booking), failIds: make(map[string]error)}
}

func (s *memStore) put(b models.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[b.BookingId] = b
}

func (s *memStore) get(id string) (models.Booking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.rows[id]
	return b, ok
}

func (s *memStore) FindUnique(ctx context.Context, bookingId string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIds[bookingId]; err != nil {
		return nil, err
	}
	b, ok := s.rows[bookingId]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *memStore) Create(ctx context.Context, b *models.Booking) error {
	if s.beforeCreate != nil {
		s.beforeCreate(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[b.BookingId]; ok {
		return ErrDuplicateBooking
	}
	s.rows[b.BookingId] = *b
	s.creates++
	return nil
}

func (s *memStore) Update(ctx context.Context, b *models.Booking) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.rows[b.BookingId]
	if !ok {
		return false, nil
	}
	switch {
	case stored.ModifiedDate == nil:
	case b.ModifiedDate != nil && *stored.ModifiedDate < *b.ModifiedDate:
	default:
		return false, nil
	}
	s.rows[b.BookingId] = *b
	s.updates++
	return true, nil
}

func (s *memStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *memStore) ExistingIds(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if s.existingErr != nil {
		return nil, s.existingErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) MarkMissing(ctx context.Context, bookingId, modified string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIds[bookingId]; err != nil {
		return false, err
	}
	b, ok := s.rows[bookingId]
	if !ok || (b.ModifiedDate != nil && *b.ModifiedDate >= modified) {
		return false, nil
	}
	b.Status = "cancelled"
	b.BDStatus = models.BDStatusNotFound
	b.ModifiedDate = &modified
	b.LastUpdatedBD = now
	s.rows[bookingId] = b
	s.updates++
	return true, nil
}

// fakeSource answers GetBookings from respond and records every query.
type fakeSource struct {
	mu      sync.Mutex
	queries []beds24.BookingQuery
	respond func(q beds24.BookingQuery) (beds24.BookingPage, error)
}

func (f *fakeSource) GetBookings(ctx context.Context, q beds24.BookingQuery) (beds24.BookingPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return f.respond(q)
}

// paged serves records limit at a time, ending with an empty page.
func paged(records ...json.RawMessage) func(q beds24.BookingQuery) (beds24.BookingPage, error) {
	return func(q beds24.BookingQuery) (beds24.BookingPage, error) {
		if q.Offset >= len(records) {
			return beds24.BookingPage{}, nil
		}
		end := min(q.Offset+q.Limit, len(records))
		return beds24.BookingPage{Data: records[q.Offset:end]}, nil
	}
}

// rawBookingJSON builds a minimal valid Beds24 payload.
func rawBookingJSON(id int, modified string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %d,
		"status": "confirmed",
		"arrival": "2026-05-10",
		"departure": "2026-05-12",
		"numAdult": 2,
		"firstName": "Guest",
		"lastName": "%d",
		"modifiedTime": %q,
		"invoiceItems": [{"type": "charge", "amount": 100}, {"type": "payment", "amount": 40}]
	}`, id, id, modified))
}

func newTestOrchestrator(source BookingSource, store BookingStore) *Orchestrator {
	return NewOrchestrator(source, store, OrchestratorOptions{
		BatchSize:   2,
		PageSize:    3,
		Concurrency: 2,
		BatchDelay:  time.Second,
		Now:         fixedNow,
		Sleep:       func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		Logger:      quietLogger(),
	})
}
