package bookingsync

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/booking_sync/beds24"
)

type Phase string

const (
	PhaseNew       Phase = "new"
	PhaseModified  Phase = "modified"
	PhaseUpcoming  Phase = "upcoming"
	PhaseCancelled Phase = "cancelled"
	PhaseBackfill  Phase = "backfill"
	PhaseWebhook   Phase = "webhook"
)

// DefaultPhases is the order of a full run.
var DefaultPhases = []Phase{PhaseNew, PhaseModified, PhaseUpcoming, PhaseCancelled}

var (
	allStatuses       = []string{"confirmed", "request", "new", "cancelled", "black", "inquiry"}
	cancelledStatuses = []string{"cancelled", "black"}
)

func ParsePhase(v string) (Phase, error) {
	switch p := Phase(v); p {
	case PhaseNew, PhaseModified, PhaseUpcoming, PhaseCancelled, PhaseBackfill:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", v)
}

// PhaseWindows sizes the date windows of the scheduled phases.
type PhaseWindows struct {
	NewLookbackDays int
	NewAheadDays    int
	ModifiedHours   int
	UpcomingDays    int
	CancelledDays   int
}

func DefaultPhaseWindows() PhaseWindows {
	return PhaseWindows{
		NewLookbackDays: 30,
		NewAheadDays:    365,
		ModifiedHours:   48,
		UpcomingDays:    30,
		CancelledDays:   365,
	}
}

// PhaseRequest asks for one phase. DateFrom/DateTo (YYYY-MM-DD) override the
// phase window; BatchSize overrides the orchestrator default.
type PhaseRequest struct {
	Phase     Phase
	DateFrom  string
	DateTo    string
	BatchSize int
}

func (w PhaseWindows) query(req PhaseRequest, now time.Time) (beds24.BookingQuery, error) {
	today := truncateDay(now)
	day := func(offset int) string { return today.AddDate(0, 0, offset).Format(dateLayout) }

	q := beds24.BookingQuery{Statuses: allStatuses}
	switch req.Phase {
	case PhaseNew:
		q.ArrivalFrom, q.ArrivalTo = day(-w.NewLookbackDays), day(w.NewAheadDays)
	case PhaseModified:
		q.ModifiedFrom = now.UTC().Add(-time.Duration(w.ModifiedHours) * time.Hour).Format(time.RFC3339)
		if req.DateFrom != "" {
			from, err := time.Parse(dateLayout, req.DateFrom)
			if err != nil {
				return q, fmt.Errorf("date_from: %w", err)
			}
			q.ModifiedFrom = from.Format(time.RFC3339)
		}
		return q, nil
	case PhaseUpcoming:
		q.ArrivalFrom, q.ArrivalTo = day(0), day(w.UpcomingDays)
	case PhaseCancelled:
		q.Statuses = cancelledStatuses
		q.ArrivalFrom, q.ArrivalTo = day(-w.CancelledDays), day(w.CancelledDays)
	case PhaseBackfill:
		if req.DateFrom == "" || req.DateTo == "" {
			return q, fmt.Errorf("backfill needs date_from and date_to")
		}
	default:
		return q, fmt.Errorf("unknown phase %q", req.Phase)
	}

	if req.DateFrom != "" {
		if _, err := time.Parse(dateLayout, req.DateFrom); err != nil {
			return q, fmt.Errorf("date_from: %w", err)
		}
		q.ArrivalFrom = req.DateFrom
	}
	if req.DateTo != "" {
		if _, err := time.Parse(dateLayout, req.DateTo); err != nil {
			return q, fmt.Errorf("date_to: %w", err)
		}
		q.ArrivalTo = req.DateTo
	}
	if q.ArrivalFrom > q.ArrivalTo {
		return q, fmt.Errorf("date_from %s is after date_to %s", q.ArrivalFrom, q.ArrivalTo)
	}
	return q, nil
}
