package bookingsync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/models"
)

type fakeExecutor struct {
	err          error
	runs         []models.SyncJob
	attempts     []int
	deadLettered []string
}

func (e *fakeExecutor) Run(ctx context.Context, job models.SyncJob, triggeredBy string, attempt int) (RunSummary, error) {
	e.runs = append(e.runs, job)
	e.attempts = append(e.attempts, attempt)
	status := models.SyncRunStatusSuccess
	if e.err != nil {
		status = models.SyncRunStatusFailed
	}
	return RunSummary{RunId: "run-1", Status: status}, e.err
}

func (e *fakeExecutor) MarkDeadLettered(ctx context.Context, runId string, cause error) {
	e.deadLettered = append(e.deadLettered, runId)
}

func TestWorker_AcksSuccessfulJob(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewWorker(exec, 3, 1, quietLogger())

	if !w.HandleMessage(context.Background(), []byte(`{"job_id":"j1","type":"MODIFIED"}`), 1) {
		t.Fatalf("expected ack")
	}
	if len(exec.runs) != 1 || exec.runs[0].Type != models.SyncJobTypeModified {
		t.Fatalf("unexpected runs %+v", exec.runs)
	}
}

func TestWorker_DropsUnusableMessages(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewWorker(exec, 3, 1, quietLogger())

	if !w.HandleMessage(context.Background(), []byte(`not json`), 1) {
		t.Fatalf("undecodable payloads must be acked")
	}
	if !w.HandleMessage(context.Background(), []byte(`{"type":"backfill"}`), 1) {
		t.Fatalf("invalid jobs must be acked")
	}
	if len(exec.runs) != 0 {
		t.Fatalf("nothing should have run, got %+v", exec.runs)
	}
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	exec := &fakeExecutor{err: &beds24.AuthenticationError{StatusCode: 401, Reason: "revoked"}}
	w := NewWorker(exec, 3, 1, quietLogger())
	job := models.SyncJob{JobId: "j2", Type: models.SyncJobTypeFull}

	for attempt := 1; attempt < 3; attempt++ {
		if w.HandleJob(context.Background(), job, attempt) {
			t.Fatalf("attempt %d: failed job must be nacked", attempt)
		}
	}
	if !w.HandleJob(context.Background(), job, 3) {
		t.Fatalf("last attempt must be acked")
	}
	if len(exec.deadLettered) != 1 || exec.deadLettered[0] != "run-1" {
		t.Fatalf("expected the run to be dead-lettered, got %v", exec.deadLettered)
	}
	if len(exec.attempts) != 3 || exec.attempts[2] != 3 {
		t.Fatalf("unexpected attempts %v", exec.attempts)
	}
}

func TestWorker_RedeliversJobWhoseOnlyPhaseFailed(t *testing.T) {
	source := &fakeSource{respond: func(q beds24.BookingQuery) (beds24.BookingPage, error) {
		return beds24.BookingPage{}, &beds24.TransportError{Method: "GET", Path: "/bookings", StatusCode: 503}
	}}
	runs := &memRunLog{}
	runner := NewRunner(newTestOrchestrator(source, newMemStore()), runs, RunnerOptions{Now: fixedNow, Logger: quietLogger()})
	w := NewWorker(runner, 3, 1, quietLogger())
	job := models.SyncJob{JobId: "j3", Type: models.SyncJobTypeBackfill, DateFrom: "2025-01-01", DateTo: "2025-01-31"}

	if w.HandleJob(context.Background(), job, 1) {
		t.Fatalf("a job that fetched nothing must be left for redelivery")
	}
	if len(runs.runs) != 1 || runs.runs[0].Status != models.SyncRunStatusFailed {
		t.Fatalf("expected a failed run, got %+v", runs.runs)
	}
	if !w.HandleJob(context.Background(), job, 3) {
		t.Fatalf("last attempt must be acked")
	}
	if last := runs.runs[len(runs.runs)-1]; !strings.HasPrefix(last.LastError, "dead-lettered") {
		t.Fatalf("expected the final run to be dead-lettered, got %q", last.LastError)
	}
}

func TestWorker_DeliveryAttemptCounter(t *testing.T) {
	w := NewWorker(&fakeExecutor{}, 3, 1, quietLogger())
	if n := w.deliveryAttempt("m1", nil); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n := w.deliveryAttempt("m1", nil); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	broker := 5
	if n := w.deliveryAttempt("m1", &broker); n != 5 {
		t.Fatalf("broker counter must win, got %d", n)
	}
	w.forget("m1")
	if n := w.deliveryAttempt("m1", nil); n != 1 {
		t.Fatalf("expected counter reset, got %d", n)
	}
}

func TestWorker_ZeroAttemptCountsAsFirst(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	w := NewWorker(exec, 2, 1, quietLogger())
	if w.HandleJob(context.Background(), models.SyncJob{Type: models.SyncJobTypeNew}, 0) {
		t.Fatalf("first failure must be nacked")
	}
	if exec.attempts[0] != 1 {
		t.Fatalf("expected attempt 1, got %d", exec.attempts[0])
	}
}
