package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/MimeLyc/annotation-session/internal/annotation"
)

type ActionType string

const (
	GetJob                       ActionType = "GET_JOB"
	GetJobSuccess                ActionType = "GET_JOB_SUCCESS"
	GetJobFailed                 ActionType = "GET_JOB_FAILED"
	ChangeFrame                  ActionType = "CHANGE_FRAME"
	ChangeFrameSuccess           ActionType = "CHANGE_FRAME_SUCCESS"
	ChangeFrameFailed            ActionType = "CHANGE_FRAME_FAILED"
	SaveAnnotations              ActionType = "SAVE_ANNOTATIONS"
	SaveAnnotationsSuccess       ActionType = "SAVE_ANNOTATIONS_SUCCESS"
	SaveAnnotationsFailed        ActionType = "SAVE_ANNOTATIONS_FAILED"
	SaveAnnotationsUpdatedStatus ActionType = "SAVE_ANNOTATIONS_UPDATED_STATUS"
	SwitchPlay                   ActionType = "SWITCH_PLAY"
	ConfirmCanvasReady           ActionType = "CONFIRM_CANVAS_READY"
	DragCanvas                   ActionType = "DRAG_CANVAS"
	ZoomCanvas                   ActionType = "ZOOM_CANVAS"
	ResetCanvas                  ActionType = "RESET_CANVAS"
)

// Action is a single phase notification. Actions produced by one operation
// invocation share an InvocationID.
type Action struct {
	Type         ActionType `json:"type"`
	InvocationID string     `json:"invocation_id"`
	Time         time.Time  `json:"time"`
	Payload      any        `json:"payload,omitempty"`
}

type GetJobSuccessPayload struct {
	Job         annotation.Job            `json:"-"`
	FrameData   *annotation.FrameData     `json:"frame_data"`
	Annotations *annotation.AnnotationSet `json:"annotations"`
	Frame       int                       `json:"frame"`
}

func (p GetJobSuccessPayload) MarshalJSON() ([]byte, error) {
	type alias GetJobSuccessPayload
	out := struct {
		alias
		JobID  int `json:"job_id"`
		TaskID int `json:"task_id"`
	}{alias: alias(p)}
	if p.Job != nil {
		out.JobID = p.Job.ID()
		out.TaskID = p.Job.TaskID()
	}
	return json.Marshal(out)
}

type ChangeFrameSuccessPayload struct {
	Frame       int                       `json:"frame"`
	FrameData   *annotation.FrameData     `json:"frame_data"`
	Annotations *annotation.AnnotationSet `json:"annotations"`
}

// ChangeFrameFailurePayload keeps the attempted frame so the receiver can
// decide whether to keep or revert its view.
type ChangeFrameFailurePayload struct {
	Frame int   `json:"frame"`
	Err   error `json:"-"`
}

func (p ChangeFrameFailurePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Frame int    `json:"frame"`
		Error string `json:"error"`
	}{Frame: p.Frame, Error: errString(p.Err)})
}

type FailurePayload struct {
	Err error `json:"-"`
}

func (p FailurePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error string `json:"error"`
	}{Error: errString(p.Err)})
}

type SaveStatusPayload struct {
	Status string `json:"status"`
}

type PlayPayload struct {
	Playing bool `json:"playing"`
}

type CanvasPayload struct {
	Enabled bool `json:"enabled"`
}

// Err returns the error carried by a failed action, or nil.
func (a Action) Err() error {
	switch p := a.Payload.(type) {
	case FailurePayload:
		return p.Err
	case ChangeFrameFailurePayload:
		return p.Err
	default:
		return nil
	}
}

func (t ActionType) Failed() bool {
	return t == GetJobFailed || t == ChangeFrameFailed || t == SaveAnnotationsFailed
}

// Terminal reports whether t ends an asynchronous invocation.
func (t ActionType) Terminal() bool {
	switch t {
	case GetJobSuccess, GetJobFailed, ChangeFrameSuccess, ChangeFrameFailed,
		SaveAnnotationsSuccess, SaveAnnotationsFailed:
		return true
	default:
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
