// Package task holds the per-tier in-memory task map. Each tier owns its own
// store; the only cross-tier linkage is the task_id string.
package task

import (
	"time"

	"github.com/wopa-project/wopa/wire"
)

// Status is a task lifecycle state. Transitions form a DAG:
// pending → in_progress → {completed, error}. Terminal states never change.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Task is one unit of work tracked by a tier.
type Task struct {
	ID          string            `json:"task_id"`
	ServiceName wire.ServiceName  `json:"service_name,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Input       map[string]string `json:"input,omitempty"`
	Result      *wire.Verdict     `json:"result,omitempty"`
	// WorkerResult keeps the raw worker findings for degraded verdicts and
	// worker-tier traceability.
	WorkerResult *wire.WorkerResult `json:"worker_result,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Summary is the compact listing shape returned by GET /tasks.
type Summary struct {
	TaskID      string           `json:"task_id"`
	Status      Status           `json:"status"`
	ServiceName wire.ServiceName `json:"service_name,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
