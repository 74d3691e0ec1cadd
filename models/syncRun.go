package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncRun is the persisted log entry of one orchestrator run (direct or queued).
type SyncRun struct {
	ID          uint           `gorm:"primary_key" json:"id"`
	RunId       string         `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	JobId       string         `gorm:"index;size:36" json:"job_id"`
	Type        string         `gorm:"size:20;not null" json:"type"`
	Status      string         `gorm:"size:20;not null" json:"status"`
	TriggeredBy string         `gorm:"size:20" json:"triggered_by"`
	DateFrom    string         `gorm:"size:10" json:"date_from"`
	DateTo      string         `gorm:"size:10" json:"date_to"`
	Processed   int            `json:"processed"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Skipped     int            `json:"skipped"`
	ErrorCount  int            `json:"error_count"`
	StoreCount  int64          `json:"store_count"`
	StatsJSON   datatypes.JSON `json:"stats"`
	Attempt     int            `json:"attempt"`
	LastError   string         `gorm:"type:text" json:"last_error"`
	StartedAt   *time.Time     `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at"`
	DurationMs  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
