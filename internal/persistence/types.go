package persistence

import (
	"encoding/json"
	"time"

	"github.com/MimeLyc/annotation-session/internal/annotation"
)

// ActionRecord is one journaled session action.
type ActionRecord struct {
	ID           int64           `json:"id"`
	InvocationID string          `json:"invocation_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type FrameAnnotations struct {
	TaskID    int
	JobID     int
	Frame     int
	Objects   []annotation.Object
	UpdatedAt time.Time
}
