package bookingsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mmdatafocus/booking_sync/utils"
)

// ReportArchiver keeps a copy of every run summary outside the database.
type ReportArchiver interface {
	Archive(ctx context.Context, summary RunSummary) error
}

// GCSReportArchiver writes summaries to gs://<bucket>/sync-runs/<date>/<run id>.json.
type GCSReportArchiver struct {
	Bucket string
	Prefix string
	// upload is swapped in tests.
	upload func(ctx context.Context, bucket, object string, data []byte, contentType string) error
}

func NewGCSReportArchiver(bucket string) *GCSReportArchiver {
	return &GCSReportArchiver{Bucket: bucket, Prefix: "sync-runs", upload: utils.UploadBytesToGCS}
}

func (a *GCSReportArchiver) Archive(ctx context.Context, summary RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	return a.upload(ctx, a.Bucket, a.objectName(summary), data, "application/json")
}

func (a *GCSReportArchiver) objectName(summary RunSummary) string {
	day := summary.StartedAt.UTC().Format(dateLayout)
	return fmt.Sprintf("%s/%s/%s.json", a.Prefix, day, summary.RunId)
}
