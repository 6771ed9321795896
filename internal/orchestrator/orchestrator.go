package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/annotation-session/internal/annotation"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

// Snapshot is the session state read at the moment an operation is invoked.
// Operations never mutate it.
type Snapshot struct {
	Job     annotation.Job
	Frame   int
	Playing bool
	// Tasks is the in-memory task list searched before asking the provider.
	Tasks []annotation.Task
}

type Option func(*Orchestrator)

// WithClock overrides the action timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator overrides how invocation ids are produced.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// Orchestrator runs the session workflows and reports every phase to its
// sink. It holds no session state of its own.
type Orchestrator struct {
	provider annotation.Provider
	sink     Sink
	now      func() time.Time
	newID    func() string
}

func New(provider annotation.Provider, sink Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		sink:     sink,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSink returns a copy of o dispatching to sink instead.
func (o *Orchestrator) WithSink(sink Sink) *Orchestrator {
	cp := *o
	cp.sink = sink
	return &cp
}

func (o *Orchestrator) SwitchPlay(playing bool) {
	o.emit(o.newID(), SwitchPlay, PlayPayload{Playing: playing})
}

func (o *Orchestrator) DragCanvas(enabled bool) {
	o.emit(o.newID(), DragCanvas, CanvasPayload{Enabled: enabled})
}

func (o *Orchestrator) ZoomCanvas(enabled bool) {
	o.emit(o.newID(), ZoomCanvas, CanvasPayload{Enabled: enabled})
}

func (o *Orchestrator) ResetCanvas() {
	o.emit(o.newID(), ResetCanvas, nil)
}

func (o *Orchestrator) ConfirmCanvasReady() {
	o.emit(o.newID(), ConfirmCanvasReady, nil)
}

// ChangeFrame moves the session to targetFrame, clamped into the job bounds.
// Nothing is dispatched when the clamped frame equals the current one, or
// when a playback tick arrives after playback has stopped.
func (o *Orchestrator) ChangeFrame(ctx context.Context, snap Snapshot, targetFrame int, playback bool) {
	job := snap.Job
	if job == nil {
		log.Debug("Drop frame change to %d: no job loaded", targetFrame)
		return
	}

	frame := ClampFrame(targetFrame, job.StartFrame(), job.StopFrame())
	if frame == snap.Frame || (playback && !snap.Playing) {
		log.Debug("Drop frame change to %d (current %d, playback %v, playing %v)",
			frame, snap.Frame, playback, snap.Playing)
		return
	}

	o.loadFrame(ctx, job, frame)
}

// RefreshFrame reloads the current frame of the loaded job, for instance
// after its annotations were edited.
func (o *Orchestrator) RefreshFrame(ctx context.Context, snap Snapshot) {
	if snap.Job == nil {
		return
	}
	o.loadFrame(ctx, snap.Job, snap.Frame)
}

func (o *Orchestrator) loadFrame(ctx context.Context, job annotation.Job, frame int) {
	id := o.newID()
	o.emit(id, ChangeFrame, nil)

	frameData, annotations, err := fetchFrame(ctx, job, frame)
	if err != nil {
		log.Warn("Failed to change frame to %d on job %d: %v", frame, job.ID(), err)
		o.emit(id, ChangeFrameFailed, ChangeFrameFailurePayload{Frame: frame, Err: err})
		return
	}
	o.emit(id, ChangeFrameSuccess, ChangeFrameSuccessPayload{
		Frame:       frame,
		FrameData:   frameData,
		Annotations: annotations,
	})
}

// GetJob resolves a job of a task and loads its initial frame.
func (o *Orchestrator) GetJob(ctx context.Context, snap Snapshot, taskID, jobID int) {
	id := o.newID()
	o.emit(id, GetJob, nil)

	payload, err := o.loadJob(ctx, snap, taskID, jobID)
	if err != nil {
		log.Warn("Failed to get job %d of task %d: %v", jobID, taskID, err)
		o.emit(id, GetJobFailed, FailurePayload{Err: err})
		return
	}
	o.emit(id, GetJobSuccess, payload)
}

func (o *Orchestrator) loadJob(ctx context.Context, snap Snapshot, taskID, jobID int) (GetJobSuccessPayload, error) {
	task, err := o.resolveTask(ctx, snap.Tasks, taskID)
	if err != nil {
		return GetJobSuccessPayload{}, err
	}

	var job annotation.Job
	for _, candidate := range task.Jobs() {
		if candidate != nil && candidate.ID() == jobID {
			job = candidate
			break
		}
	}
	if job == nil {
		return GetJobSuccessPayload{}, annotation.NewError(annotation.ErrNotFound, "job with specified id does not exist").
			WithContext("task_id", taskID).
			WithContext("job_id", jobID)
	}

	// Kept as min, not a clamp: the initial frame is 0 unless the job starts
	// at a negative frame.
	frame := min(0, job.StartFrame())
	frameData, annotations, err := fetchFrame(ctx, job, frame)
	if err != nil {
		return GetJobSuccessPayload{}, err
	}
	return GetJobSuccessPayload{
		Job:         job,
		FrameData:   frameData,
		Annotations: annotations,
		Frame:       frame,
	}, nil
}

func (o *Orchestrator) resolveTask(ctx context.Context, current []annotation.Task, taskID int) (annotation.Task, error) {
	for _, task := range current {
		if task != nil && task.ID() == taskID {
			return task, nil
		}
	}
	if o.provider == nil {
		return nil, annotation.NewError(annotation.ErrNotFound, "task does not exist").WithContext("task_id", taskID)
	}

	var tasks []annotation.Task
	err := annotation.SafeExecute(func() error {
		var err error
		tasks, err = o.provider.Tasks(ctx, annotation.ByTaskID(taskID))
		return err
	})
	if err != nil {
		return nil, err
	}
	// Only a task carrying the requested id counts, whatever the provider returned.
	for _, task := range tasks {
		if task != nil && task.ID() == taskID {
			return task, nil
		}
	}
	return nil, annotation.NewError(annotation.ErrNotFound, "task does not exist").WithContext("task_id", taskID)
}

// SaveAnnotations persists the pending edits of job. Each status reported by
// the job is dispatched before the save result is known. Concurrent saves are
// not coordinated here.
func (o *Orchestrator) SaveAnnotations(ctx context.Context, job annotation.Job) {
	id := o.newID()
	o.emit(id, SaveAnnotations, nil)

	if job == nil {
		o.emit(id, SaveAnnotationsFailed, FailurePayload{
			Err: annotation.NewError(annotation.ErrValidation, "no job to save"),
		})
		return
	}

	err := annotation.SafeExecute(func() error {
		return job.SaveAnnotations(ctx, func(status string) {
			o.emit(id, SaveAnnotationsUpdatedStatus, SaveStatusPayload{Status: status})
		})
	})
	if err != nil {
		log.Warn("Failed to save annotations of job %d: %v", job.ID(), err)
		o.emit(id, SaveAnnotationsFailed, FailurePayload{Err: err})
		return
	}
	o.emit(id, SaveAnnotationsSuccess, nil)
}

func (o *Orchestrator) emit(id string, actionType ActionType, payload any) {
	if o.sink == nil {
		return
	}
	o.sink.Dispatch(Action{
		Type:         actionType,
		InvocationID: id,
		Time:         o.now(),
		Payload:      payload,
	})
}

// ClampFrame returns frame limited to [start, stop].
func ClampFrame(frame, start, stop int) int {
	return max(min(frame, stop), start)
}

// fetchFrame loads frame data and annotations concurrently; both must succeed.
func fetchFrame(ctx context.Context, job annotation.Job, frame int) (*annotation.FrameData, *annotation.AnnotationSet, error) {
	var (
		frameData   *annotation.FrameData
		annotations *annotation.AnnotationSet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return annotation.SafeExecute(func() error {
			var err error
			frameData, err = job.Frame(gctx, frame)
			return err
		})
	})
	g.Go(func() error {
		return annotation.SafeExecute(func() error {
			var err error
			annotations, err = job.Annotations(gctx, frame)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return frameData, annotations, nil
}
