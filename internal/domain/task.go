package domain

import "time"

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a durable unit of deferred work.
type Task struct {
	ID             string            `json:"task_id"`
	Kind           string            `json:"kind"`
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Payload        map[string]string `json:"payload,omitempty"`
	Status         TaskStatus        `json:"status"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	RunAfter       time.Time         `json:"run_after"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Profile holds the long-lived facts known about a child, keyed by slot name.
type Profile struct {
	UserID    string            `json:"user_id"`
	Facts     map[string]string `json:"facts"`
	UpdatedAt time.Time         `json:"updated_at"`
}
