package domain

import "time"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task — одна мультиагентная задача. Меняется только ядром, которое ей владеет.
type Task struct {
	ID             string            `json:"task_id"`
	Type           string            `json:"task_type"`
	Parameters     map[string]any    `json:"parameters"`
	RequiredAgents []string          `json:"required_agents"` // порядок исполнения
	Priority       Priority          `json:"priority"`
	Status         TaskStatus        `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Result         map[string]Result `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Finished — задача больше не будет меняться
func (t *Task) Finished() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ExecutionRecord — запись кольцевого буфера истории (только для отчетов)
type ExecutionRecord struct {
	Agent     string        `json:"agent"`
	TaskID    string        `json:"task_id"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}
