// Package scheduler runs the periodic billing jobs.
//
// Every job runs through Runner, which takes the job lock, records job
// history and dispatches on TaskType. The same Runner backs the EventBridge
// Lambda handler, the long-running cron loop and the one-shot job-runner CLI.
package scheduler

import (
	"time"

	"qrcloud/internal/billing"
)

// TaskType identifies a periodic job.
type TaskType string

const (
	TaskReconcileSubscriptions    TaskType = billing.JobReconcileSubscriptions
	TaskExpireGracePeriods        TaskType = billing.JobExpireGracePeriods
	TaskSendCancellationReminders TaskType = billing.JobSendCancellationReminders
	TaskRetrySubscriberReactions  TaskType = billing.JobRetryReactions
)

// AllTasks lists the known tasks in a stable order.
var AllTasks = []TaskType{
	TaskReconcileSubscriptions,
	TaskExpireGracePeriods,
	TaskSendCancellationReminders,
	TaskRetrySubscriberReactions,
}

// MaintenancePayload is the JSON payload EventBridge sends to the scheduler
// Lambda:
//
//	{
//	  "task": "reconcile_subscriptions",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs. If nil, the runner's
	// clock is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
