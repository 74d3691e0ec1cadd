package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/bookingsync"
	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/models"
)

func main() {
	from := flag.String("from", "", "Required: first arrival date (YYYY-MM-DD).")
	to := flag.String("to", "", "Required: last arrival date (YYYY-MM-DD).")
	batchSize := flag.Int("batch-size", 20, "Records per reconciliation batch (1..100).")
	priority := flag.String("priority", "low", "Job priority: low, normal or high.")
	inline := flag.Bool("inline", false, "Run the backfill in this process instead of enqueueing it.")
	flag.Parse()

	ctx := context.Background()
	settings := config.LoadSettings()
	job := models.SyncJob{
		Type:        models.SyncJobTypeBackfill,
		DateFrom:    strings.TrimSpace(*from),
		DateTo:      strings.TrimSpace(*to),
		BatchSize:   *batchSize,
		Priority:    models.SyncJobPriority(*priority),
		TriggeredBy: "booking-backfill",
	}
	job, err := bookingsync.NormalizeJob(job)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *inline {
		runInline(ctx, settings, job)
		return
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pubsub client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	topic, err := config.CreateTopicIfNotExists(ctx, client, settings.SyncJobsTopic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs topic: %v\n", err)
		os.Exit(1)
	}
	defer topic.Stop()

	jobId, err := bookingsync.NewDispatcher(bookingsync.NewTopicPublisher(topic), nil).Enqueue(ctx, job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("backfill %s..%s enqueued as job %s\n", job.DateFrom, job.DateTo, jobId)
}

func runInline(ctx context.Context, settings config.Settings, job models.SyncJob) {
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	locker := beds24.NewRedisLocker(config.GetRedisLock())
	tokens := beds24.NewTokenManagerFromSettings(settings, beds24.NewRedisCredentialCache(config.GetRedisDB(), ""), locker)
	client, err := beds24.NewClientFromSettings(settings, tokens)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	store := bookingsync.NewGormBookingStore(db)
	runner := bookingsync.NewRunner(
		bookingsync.NewOrchestratorFromSettings(settings, client, store),
		bookingsync.NewGormRunLog(db),
		bookingsync.RunnerOptions{},
	)

	start := time.Now()
	summary, err := runner.Run(ctx, job, models.SyncTriggeredManual, 1)
	fmt.Printf("run %s: status=%s processed=%d created=%d updated=%d skipped=%d errors=%d store=%d in %s\n",
		summary.RunId, summary.Status, summary.Totals.Processed, summary.Totals.Created, summary.Totals.Updated,
		summary.Totals.Skipped, summary.Totals.Errors, summary.StoreCount, time.Since(start).Round(time.Second))
	if err != nil {
		fmt.Fprintf(os.Stderr, "backfill aborted: %v\n", err)
		os.Exit(1)
	}
}
