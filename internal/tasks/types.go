package tasks

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ProgressEntry is one append-only milestone reported by a running work unit.
type ProgressEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task is the record behind one deferred unit of work. Result is set only on
// completed, Error only on failed; status moves strictly forward.
type Task struct {
	ID        string          `json:"task_id"`
	Kind      string          `json:"kind"`
	Status    Status          `json:"status"`
	Progress  []ProgressEntry `json:"progress_messages"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.Progress != nil {
		out.Progress = make([]ProgressEntry, len(t.Progress))
		copy(out.Progress, t.Progress)
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
