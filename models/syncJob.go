package models

// SyncJob is the unit of work carried on the sync queue.
type SyncJob struct {
	JobId       string          `json:"job_id"`
	Type        SyncJobType     `json:"type" validate:"required,oneof=new modified upcoming cancelled backfill full"`
	DateFrom    string          `json:"date_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DateTo      string          `json:"date_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	BatchSize   int             `json:"batch_size,omitempty" validate:"omitempty,min=1,max=100"`
	Priority    SyncJobPriority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
}
