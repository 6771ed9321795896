package jobs

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Kind names the session operation an Operation runs.
type Kind string

const (
	KindGetJob Kind = "get_job"
	KindSave   Kind = "save"
)

type EnqueueRequest struct {
	Kind      Kind
	Source    string
	DedupeKey string
	Payload   Payload
}

type Payload struct {
	TaskID int `json:"task_id"`
	JobID  int `json:"job_id"`
}

type Operation struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	DedupeKey string    `json:"dedupe_key"`
	Payload   Payload   `json:"payload"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}
