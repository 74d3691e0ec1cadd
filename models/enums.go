package models

// BDStatus is the local lifecycle bucket derived from the raw Beds24 status
// and the stay dates.
type BDStatus string

const (
	BDStatusPending   BDStatus = "pending"
	BDStatusConfirmed BDStatus = "confirmed"
	BDStatusInHouse   BDStatus = "in_house"
	BDStatusCompleted BDStatus = "completed"
	BDStatusCancelled BDStatus = "cancelled"
	// BDStatusUnknown marks a raw status the sync does not recognise.
	BDStatusUnknown BDStatus = "unknown"
	// BDStatusNotFound marks a stored booking Beds24 no longer returns.
	BDStatusNotFound BDStatus = "not_found"
)

func (s BDStatus) IsValid() bool {
	switch s {
	case BDStatusPending, BDStatusConfirmed, BDStatusInHouse, BDStatusCompleted, BDStatusCancelled,
		BDStatusUnknown, BDStatusNotFound:
		return true
	}
	return false
}

type SyncJobType string

const (
	SyncJobTypeNew       SyncJobType = "new"
	SyncJobTypeModified  SyncJobType = "modified"
	SyncJobTypeUpcoming  SyncJobType = "upcoming"
	SyncJobTypeCancelled SyncJobType = "cancelled"
	SyncJobTypeBackfill  SyncJobType = "backfill"
	SyncJobTypeFull      SyncJobType = "full"
)

type SyncJobPriority string

const (
	SyncJobPriorityLow    SyncJobPriority = "low"
	SyncJobPriorityNormal SyncJobPriority = "normal"
	SyncJobPriorityHigh   SyncJobPriority = "high"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredQueue    = "queue"
	SyncTriggeredWebhook  = "webhook"
)
