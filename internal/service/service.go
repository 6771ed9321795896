package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/annotation-session/internal/annotation"
	"github.com/MimeLyc/annotation-session/internal/config"
	"github.com/MimeLyc/annotation-session/internal/jobs"
	"github.com/MimeLyc/annotation-session/internal/library"
	"github.com/MimeLyc/annotation-session/internal/orchestrator"
	"github.com/MimeLyc/annotation-session/internal/persistence"
	"github.com/MimeLyc/annotation-session/internal/playback"
	"github.com/MimeLyc/annotation-session/internal/session"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

const (
	SourceAPI      = "api"
	SourceAutosave = "autosave"
)

// Service owns one annotation session: its state, the operation queue that
// serializes job loads and saves, frame playback and autosave.
type Service struct {
	provider annotation.Provider
	store    *session.Store
	sink     orchestrator.Sink
	orch     *orchestrator.Orchestrator
	queue    *jobs.Queue
	player   *playback.Player
	journal  ActionJournal
	cron     *cron.Cron
	autosave singleflight.Group

	mu        sync.Mutex
	settings  config.RuntimeSettings
	cronEntry cron.EntryID
	scheduled bool
}

type Deps struct {
	Provider   annotation.Provider
	Operations jobs.Store
	Journal    ActionJournal
	Cron       *cron.Cron
}

func New(cfg config.Config, deps Deps, opts ...orchestrator.Option) *Service {
	store := session.NewStore()

	var sink orchestrator.Sink = store
	if deps.Journal != nil {
		sink = orchestrator.MultiSink{store, NewJournalSink(deps.Journal)}
	}
	orch := orchestrator.New(deps.Provider, sink, opts...)

	cronEngine := deps.Cron
	if cronEngine == nil {
		cronEngine = cron.New()
	}

	return &Service{
		provider: deps.Provider,
		store:    store,
		sink:     sink,
		orch:     orch,
		queue:    jobs.NewQueue(cfg.Session.QueueWorkers, deps.Operations),
		player:   playback.NewPlayer(orch, store, cfg.Session.PlaybackFPS),
		journal:  deps.Journal,
		cron:     cronEngine,
		settings: cfg.RuntimeSettings(),
	}
}

// Start runs the operation workers and the playback loop until Stop.
func (s *Service) Start(ctx context.Context) {
	s.queue.Start(s.execute)
	s.player.Start(ctx)
}

func (s *Service) Stop() {
	s.player.Stop()
	s.queue.Stop()
}

func (s *Service) State() session.State {
	return s.store.State()
}

func (s *Service) Subscribe(buffer int) (<-chan orchestrator.Action, func()) {
	return s.store.Subscribe(buffer)
}

type summarizer interface {
	Summary() library.TaskSummary
}

func (s *Service) Tasks(ctx context.Context) ([]library.TaskSummary, error) {
	if s.provider == nil {
		return []library.TaskSummary{}, nil
	}
	tasks, err := s.provider.Tasks(ctx, annotation.TaskFilter{})
	if err != nil {
		return nil, err
	}
	s.store.SetTasks(tasks)

	ret := make([]library.TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		if sum, ok := task.(summarizer); ok {
			ret = append(ret, sum.Summary())
			continue
		}
		summary := library.TaskSummary{ID: task.ID(), Name: task.Name()}
		for _, job := range task.Jobs() {
			summary.Jobs = append(summary.Jobs, library.JobSummary{
				ID:         job.ID(),
				TaskID:     job.TaskID(),
				StartFrame: job.StartFrame(),
				StopFrame:  job.StopFrame(),
			})
		}
		ret = append(ret, summary)
	}
	return ret, nil
}

// OpenJob queues loading a job into the session.
func (s *Service) OpenJob(taskID, jobID int, source string) (*jobs.Operation, bool) {
	return s.queue.Enqueue(jobs.EnqueueRequest{
		Kind:      jobs.KindGetJob,
		Source:    source,
		DedupeKey: jobs.GetJobDedupeKey(taskID, jobID),
		Payload:   jobs.Payload{TaskID: taskID, JobID: jobID},
	})
}

// Save queues saving the open job. Without an open job the save still runs
// and reports its failure through the session.
func (s *Service) Save(source string) (*jobs.Operation, bool) {
	var payload jobs.Payload
	if job := s.store.Snapshot().Job; job != nil {
		payload = jobs.Payload{TaskID: job.TaskID(), JobID: job.ID()}
	}
	return s.queue.Enqueue(jobs.EnqueueRequest{
		Kind:      jobs.KindSave,
		Source:    source,
		DedupeKey: jobs.SaveDedupeKey(payload.TaskID, payload.JobID),
		Payload:   payload,
	})
}

func (s *Service) Operation(id string) (*jobs.Operation, bool) {
	return s.queue.Get(id)
}

func (s *Service) Operations() []*jobs.Operation {
	return s.queue.List()
}

func (s *Service) ChangeFrame(ctx context.Context, frame int) {
	s.orch.ChangeFrame(ctx, s.store.Snapshot(), frame, false)
}

func (s *Service) SwitchPlay(playing bool)  { s.orch.SwitchPlay(playing) }
func (s *Service) DragCanvas(enabled bool)  { s.orch.DragCanvas(enabled) }
func (s *Service) ZoomCanvas(enabled bool)  { s.orch.ZoomCanvas(enabled) }
func (s *Service) ResetCanvas()             { s.orch.ResetCanvas() }
func (s *Service) ConfirmCanvasReady()      { s.orch.ConfirmCanvasReady() }

// UpdateAnnotations edits a frame of the open job. The current frame is
// reloaded afterwards so the session shows the edit.
func (s *Service) UpdateAnnotations(ctx context.Context, frame int, objects []annotation.Object) error {
	snap := s.store.Snapshot()
	if snap.Job == nil {
		return annotation.NewError(annotation.ErrNotFound, "no job is open")
	}
	editor, ok := snap.Job.(annotation.Editor)
	if !ok {
		return annotation.NewError(annotation.ErrValidation, "job does not accept edits").
			WithContext("job_id", snap.Job.ID())
	}
	if err := editor.UpdateAnnotations(ctx, frame, objects); err != nil {
		return err
	}
	if frame == snap.Frame {
		s.orch.RefreshFrame(ctx, snap)
	}
	return nil
}

func (s *Service) Actions(ctx context.Context, limit int) ([]persistence.ActionRecord, error) {
	if s.journal == nil {
		return []persistence.ActionRecord{}, nil
	}
	return s.journal.ListActions(ctx, limit)
}

func (s *Service) InvocationActions(ctx context.Context, invocationID string) ([]persistence.ActionRecord, error) {
	if s.journal == nil {
		return []persistence.ActionRecord{}, nil
	}
	return s.journal.ListInvocation(ctx, invocationID)
}

// execute runs one queued operation and reports the failure the session saw.
func (s *Service) execute(ctx context.Context, op *jobs.Operation) error {
	var failure error
	capture := orchestrator.SinkFunc(func(action orchestrator.Action) {
		if !action.Type.Failed() {
			return
		}
		failure = action.Err()
		if failure == nil {
			failure = errors.New(strings.ToLower(string(action.Type)))
		}
	})
	orch := s.orch.WithSink(orchestrator.MultiSink{s.sink, capture})

	switch op.Kind {
	case jobs.KindGetJob:
		if s.provider != nil {
			tasks, err := s.provider.Tasks(ctx, annotation.ByTaskID(op.Payload.TaskID))
			if err != nil {
				log.Warn("Failed to refresh task %d: %v", op.Payload.TaskID, err)
			} else {
				s.store.RefreshTask(op.Payload.TaskID, tasks)
			}
		}
		orch.GetJob(ctx, s.store.Snapshot(), op.Payload.TaskID, op.Payload.JobID)
	case jobs.KindSave:
		job := s.store.Snapshot().Job
		if job != nil && (job.TaskID() != op.Payload.TaskID || job.ID() != op.Payload.JobID) {
			return annotation.NewError(annotation.ErrNotFound, "job is no longer open").
				WithContext("task_id", op.Payload.TaskID).
				WithContext("job_id", op.Payload.JobID)
		}
		orch.SaveAnnotations(ctx, job)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	if failure != nil {
		log.Warn("Operation %s (%s) failed: %v", op.ID, op.Kind, failure)
	}
	return failure
}
