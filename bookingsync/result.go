package bookingsync

import (
	"time"

	"github.com/mmdatafocus/booking_sync/models"
)

const maxRecordedFailures = 50

type RecordFailure struct {
	BookingId string `json:"booking_id,omitempty"`
	Error     string `json:"error"`
}

// SyncPhaseResult counts what one phase did. Every fetched record lands in
// exactly one of Created, Updated, Skipped or Errors.
type SyncPhaseResult struct {
	Phase     Phase           `json:"phase"`
	Processed int             `json:"processed"`
	Created   int             `json:"created"`
	Updated   int             `json:"updated"`
	Skipped   int             `json:"skipped"`
	Errors    int             `json:"errors"`
	Pages     int             `json:"pages"`
	Duration  time.Duration   `json:"duration_ns"`
	Aborted   bool            `json:"aborted"`
	Error     string          `json:"error,omitempty"`
	Failures  []RecordFailure `json:"failures,omitempty"`
}

func (r *SyncPhaseResult) record(action Action) {
	r.Processed++
	switch action {
	case ActionCreated:
		r.Created++
	case ActionUpdated:
		r.Updated++
	default:
		r.Skipped++
	}
}

func (r *SyncPhaseResult) fail(bookingId string, err error) {
	r.Processed++
	r.Errors++
	if len(r.Failures) < maxRecordedFailures {
		r.Failures = append(r.Failures, RecordFailure{BookingId: bookingId, Error: err.Error()})
	}
}

func (r *SyncPhaseResult) add(o SyncPhaseResult) {
	r.Processed += o.Processed
	r.Created += o.Created
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Errors += o.Errors
	r.Pages += o.Pages
	r.Duration += o.Duration
}

// RunSummary aggregates the phases of one run.
type RunSummary struct {
	RunId          string            `json:"run_id"`
	Phases         []SyncPhaseResult `json:"phases"`
	Totals         SyncPhaseResult   `json:"totals"`
	UniqueBookings int               `json:"unique_bookings"`
	StoreCount     int64             `json:"store_count"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Duration       time.Duration     `json:"duration_ns"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
}

func (s *RunSummary) finish(now time.Time, err error) {
	s.FinishedAt = now
	s.Duration = now.Sub(s.StartedAt)
	aborted := false
	for _, p := range s.Phases {
		if p.Aborted {
			aborted = true
		}
	}
	switch {
	case err != nil:
		s.Status = models.SyncRunStatusFailed
		s.Error = err.Error()
	case aborted || s.Totals.Errors > 0:
		s.Status = models.SyncRunStatusPartial
	default:
		s.Status = models.SyncRunStatusSuccess
	}
}
