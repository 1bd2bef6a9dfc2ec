package scheduler

import "time"

// TaskType identifies which digest operation a scheduled event runs.
type TaskType string

const (
	TaskGenerateDigests       TaskType = "generate_digests"
	TaskDispatchNotifications TaskType = "dispatch_notifications"
	TaskPurgeDigests          TaskType = "purge_digests"
)

// Valid reports whether t is a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskGenerateDigests, TaskDispatchNotifications, TaskPurgeDigests:
		return true
	}
	return false
}

// MaintenancePayload is the JSON body of the scheduled event:
//
//	{
//	  "task": "generate_digests",
//	  "reference_time": "2026-02-14T15:00:00Z",  // optional
//	  "limit": 500                                // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	// Limit overrides the configured per-run cap.
	Limit int `json:"limit,omitempty"`
}
