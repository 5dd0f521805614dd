package engine

import "time"

// Event types published on the bus.
const (
	EventLaunched     = "job.launched"
	EventLaunchFailed = "job.launch_failed"
	EventSkipped      = "job.skipped"
	EventExited       = "job.exited"
	EventRescheduled  = "job.rescheduled"
)

// JobEvent is the Data of every job.* event.
type JobEvent struct {
	Key        string    `json:"key"`
	UserID     string    `json:"user_id"`
	Service    string    `json:"service"`
	Category   string    `json:"category,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	At         time.Time `json:"at"`
	NextFireAt time.Time `json:"next_fire_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}
