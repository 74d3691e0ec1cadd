package bookingsync

import (
	"context"
	"encoding/json"
	"testing"
)

func TestGCSReportArchiver_ObjectLayout(t *testing.T) {
	var gotBucket, gotObject, gotType string
	var gotData []byte
	a := &GCSReportArchiver{
		Bucket: "reports",
		Prefix: "sync-runs",
		upload: func(ctx context.Context, bucket, object string, data []byte, contentType string) error {
			gotBucket, gotObject, gotData, gotType = bucket, object, data, contentType
			return nil
		},
	}

	summary := RunSummary{RunId: "abc", StartedAt: testNow, Status: "success"}
	if err := a.Archive(context.Background(), summary); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if gotBucket != "reports" || gotObject != "sync-runs/2026-04-01/abc.json" || gotType != "application/json" {
		t.Fatalf("unexpected upload %s %s %s", gotBucket, gotObject, gotType)
	}
	var decoded RunSummary
	if err := json.Unmarshal(gotData, &decoded); err != nil || decoded.RunId != "abc" {
		t.Fatalf("uploaded report does not decode: %v", err)
	}
}
