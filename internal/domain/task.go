package domain

import (
	"fmt"
	"time"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task encapsulates the lifecycle of one generation request.
type Task struct {
	ID        string            `json:"id"`
	Module    ModuleType        `json:"module"`
	Status    TaskStatus        `json:"status"`
	Progress  int               `json:"progress"`
	Result    *GenerationResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Logs      []string          `json:"logs"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// NewTask returns a pending task with an empty log.
func NewTask(id string, module ModuleType, now time.Time) Task {
	return Task{
		ID:        id,
		Module:    module,
		Status:    TaskStatusPending,
		Logs:      []string{},
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (t Task) Clone() Task {
	out := t
	out.Logs = append([]string(nil), t.Logs...)
	if out.Logs == nil {
		out.Logs = []string{}
	}
	if t.Result != nil {
		r := t.Result.Clone()
		out.Result = &r
	}
	return out
}

// AppendLog adds a timestamped diagnostic line.
func (t *Task) AppendLog(now time.Time, msg string) {
	t.Logs = append(t.Logs, FormatLogLine(now, msg))
}

// Advance raises progress to p while the task is not terminal. Progress never
// decreases and never reaches 100 through this path.
func (t *Task) Advance(p int) bool {
	if t.Status.Terminal() {
		return false
	}
	if p > 99 {
		p = 99
	}
	if p <= t.Progress {
		return false
	}
	t.Progress = p
	return true
}

// Complete moves the task to completed with result attached and progress pinned.
func (t *Task) Complete(result GenerationResult) error {
	if t.Status.Terminal() {
		return fmt.Errorf("complete task %s: %w", t.ID, ErrTaskTerminal)
	}
	t.Status = TaskStatusCompleted
	t.Progress = 100
	t.Result = &result
	t.Error = ""
	return nil
}

// Fail moves the task to failed with a non-empty reason and progress pinned.
func (t *Task) Fail(reason string) error {
	if t.Status.Terminal() {
		return fmt.Errorf("fail task %s: %w", t.ID, ErrTaskTerminal)
	}
	if reason == "" {
		reason = "generation failed"
	}
	t.Status = TaskStatusFailed
	t.Progress = 100
	t.Result = nil
	t.Error = reason
	return nil
}

// FormatLogLine renders a task log entry as "[RFC3339] msg".
func FormatLogLine(now time.Time, msg string) string {
	return "[" + now.UTC().Format(time.RFC3339Nano) + "] " + msg
}

// StatusView is the client-facing projection of a task returned by the status
// endpoint and pushed over the event stream.
type StatusView struct {
	TaskID   string            `json:"taskId"`
	Status   TaskStatus        `json:"status"`
	Progress int               `json:"progress"`
	Result   *GenerationResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Logs     []string          `json:"logs"`
}

// View projects t for clients.
func (t Task) View() StatusView {
	c := t.Clone()
	return StatusView{
		TaskID:   c.ID,
		Status:   c.Status,
		Progress: c.Progress,
		Result:   c.Result,
		Error:    c.Error,
		Logs:     c.Logs,
	}
}
