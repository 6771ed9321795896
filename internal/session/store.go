package session

import (
	"sync"

	"github.com/MimeLyc/annotation-session/internal/annotation"
	"github.com/MimeLyc/annotation-session/internal/orchestrator"
)

type SavingState struct {
	Uploading bool     `json:"uploading"`
	Statuses  []string `json:"statuses"`
	Error     string   `json:"error,omitempty"`
}

type CanvasState struct {
	Ready    bool `json:"ready"`
	Dragging bool `json:"dragging"`
	Zooming  bool `json:"zooming"`
}

// State is the reduced view of one annotation session.
type State struct {
	Job           annotation.Job            `json:"-"`
	JobID         int                       `json:"job_id"`
	TaskID        int                       `json:"task_id"`
	StartFrame    int                       `json:"start_frame"`
	StopFrame     int                       `json:"stop_frame"`
	JobFetching   bool                      `json:"job_fetching"`
	FrameFetching bool                      `json:"frame_fetching"`
	Frame         int                       `json:"frame"`
	FrameData     *annotation.FrameData     `json:"frame_data"`
	Annotations   *annotation.AnnotationSet `json:"annotations"`
	Playing       bool                      `json:"playing"`
	Saving        SavingState               `json:"saving"`
	Canvas        CanvasState               `json:"canvas"`
	Error         string                    `json:"error,omitempty"`
}

type subscriber struct {
	ch chan orchestrator.Action
}

// Store reduces orchestrator actions into session state. It is the sink the
// orchestrator reports to and the source of the snapshots it is invoked with.
type Store struct {
	mu    sync.RWMutex
	state State
	tasks []annotation.Task

	subMu       sync.Mutex
	subscribers map[*subscriber]struct{}
}

func NewStore() *Store {
	return &Store{
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (s *Store) Dispatch(action orchestrator.Action) {
	s.mu.Lock()
	s.state = reduce(s.state, action)
	s.mu.Unlock()

	s.broadcast(action)
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := s.state
	ret.Saving.Statuses = append([]string(nil), s.state.Saving.Statuses...)
	ret.Annotations = s.state.Annotations.Clone()
	if s.state.FrameData != nil {
		fd := *s.state.FrameData
		ret.FrameData = &fd
	}
	return ret
}

func (s *Store) Snapshot() orchestrator.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return orchestrator.Snapshot{
		Job:     s.state.Job,
		Frame:   s.state.Frame,
		Playing: s.state.Playing,
		Tasks:   append([]annotation.Task(nil), s.tasks...),
	}
}

// SetTasks replaces the in-memory task list searched by GetJob.
func (s *Store) SetTasks(tasks []annotation.Task) {
	s.mu.Lock()
	s.tasks = append([]annotation.Task(nil), tasks...)
	s.mu.Unlock()
}

// RefreshTask replaces the entry of one task with the matching tasks in
// fresh, leaving the rest of the list alone. A task missing from fresh is
// dropped.
func (s *Store) RefreshTask(taskID int, fresh []annotation.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]annotation.Task, 0, len(s.tasks)+1)
	for _, task := range s.tasks {
		if task != nil && task.ID() != taskID {
			kept = append(kept, task)
		}
	}
	for _, task := range fresh {
		if task != nil && task.ID() == taskID {
			kept = append(kept, task)
		}
	}
	s.tasks = kept
}

// Subscribe returns a channel receiving every dispatched action and a cancel
// func. Actions are dropped for subscribers whose buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan orchestrator.Action, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan orchestrator.Action, buffer)}

	s.subMu.Lock()
	s.subscribers[sub] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, sub)
			s.subMu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (s *Store) broadcast(action orchestrator.Action) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.ch <- action:
		default:
		}
	}
}
