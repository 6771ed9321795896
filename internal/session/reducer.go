package session

import (
	"github.com/MimeLyc/annotation-session/internal/orchestrator"
)

func reduce(state State, action orchestrator.Action) State {
	switch action.Type {
	case orchestrator.GetJob:
		state = State{JobFetching: true, Canvas: state.Canvas}
	case orchestrator.GetJobSuccess:
		p, ok := action.Payload.(orchestrator.GetJobSuccessPayload)
		if !ok || p.Job == nil {
			return state
		}
		state.JobFetching = false
		state.Job = p.Job
		state.JobID = p.Job.ID()
		state.TaskID = p.Job.TaskID()
		state.StartFrame = p.Job.StartFrame()
		state.StopFrame = p.Job.StopFrame()
		state.Frame = p.Frame
		state.FrameData = p.FrameData
		state.Annotations = p.Annotations
		state.Playing = false
		state.Error = ""
	case orchestrator.GetJobFailed:
		state.JobFetching = false
		state.Error = errMessage(action)
	case orchestrator.ChangeFrame:
		state.FrameFetching = true
	case orchestrator.ChangeFrameSuccess:
		p, ok := action.Payload.(orchestrator.ChangeFrameSuccessPayload)
		if !ok {
			return state
		}
		state.FrameFetching = false
		state.Frame = p.Frame
		state.FrameData = p.FrameData
		state.Annotations = p.Annotations
		state.Error = ""
	case orchestrator.ChangeFrameFailed:
		// the view stays on the previous frame; playback would only repeat the failure
		state.FrameFetching = false
		state.Playing = false
		state.Error = errMessage(action)
	case orchestrator.SaveAnnotations:
		state.Saving = SavingState{Uploading: true}
	case orchestrator.SaveAnnotationsUpdatedStatus:
		if p, ok := action.Payload.(orchestrator.SaveStatusPayload); ok {
			state.Saving.Statuses = append(append([]string(nil), state.Saving.Statuses...), p.Status)
		}
	case orchestrator.SaveAnnotationsSuccess:
		state.Saving.Uploading = false
		state.Saving.Error = ""
	case orchestrator.SaveAnnotationsFailed:
		state.Saving.Uploading = false
		state.Saving.Error = errMessage(action)
	case orchestrator.SwitchPlay:
		if p, ok := action.Payload.(orchestrator.PlayPayload); ok {
			state.Playing = p.Playing
		}
	case orchestrator.ConfirmCanvasReady:
		state.Canvas.Ready = true
	case orchestrator.DragCanvas:
		if p, ok := action.Payload.(orchestrator.CanvasPayload); ok {
			state.Canvas.Dragging = p.Enabled
			if p.Enabled {
				state.Canvas.Zooming = false
			}
		}
	case orchestrator.ZoomCanvas:
		if p, ok := action.Payload.(orchestrator.CanvasPayload); ok {
			state.Canvas.Zooming = p.Enabled
			if p.Enabled {
				state.Canvas.Dragging = false
			}
		}
	case orchestrator.ResetCanvas:
		state.Canvas.Dragging = false
		state.Canvas.Zooming = false
	}
	return state
}

func errMessage(action orchestrator.Action) string {
	if err := action.Err(); err != nil {
		return err.Error()
	}
	return "unknown error"
}
