package library

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/annotation-session/internal/annotation"
	"github.com/MimeLyc/annotation-session/pkg/file"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

type scannerOptions struct {
	cacheTTL time.Duration
}

type Option func(*scannerOptions)

func WithCacheTTL(ttl time.Duration) Option {
	return func(o *scannerOptions) {
		o.cacheTTL = ttl
	}
}

type scanCache struct {
	version uint64
	scanned time.Time
	tasks   []*Task
}

// Task is a scanned manifest with its job handles.
type Task struct {
	manifest   Manifest
	frameCount int
	jobs       []*Job
}

func (t *Task) ID() int          { return t.manifest.ID }
func (t *Task) Name() string     { return t.manifest.Name }
func (t *Task) Labels() []string { return append([]string(nil), t.manifest.Labels...) }

func (t *Task) Jobs() []annotation.Job {
	ret := make([]annotation.Job, len(t.jobs))
	for i, job := range t.jobs {
		ret[i] = job
	}
	return ret
}

func (t *Task) Summary() TaskSummary {
	ret := TaskSummary{
		ID:         t.manifest.ID,
		Name:       t.manifest.Name,
		Labels:     t.Labels(),
		FrameCount: t.frameCount,
		Jobs:       make([]JobSummary, 0, len(t.jobs)),
	}
	for _, job := range t.jobs {
		ret.Jobs = append(ret.Jobs, job.summary())
	}
	return ret
}

// Scanner discovers task manifests under a root directory and serves them
// as an annotation.Provider. Job handles survive rescans as long as their
// declaration and frame files are unchanged, so unsaved edits are kept.
type Scanner struct {
	root  string
	store AnnotationStore
	group singleflight.Group

	mu       sync.RWMutex
	cacheTTL time.Duration
	cache    *scanCache
	version  uint64
	handles  map[jobKey]*Job
}

type jobKey struct {
	taskID, jobID int
}

func NewScanner(root string, store AnnotationStore, opts ...Option) *Scanner {
	options := scannerOptions{
		cacheTTL: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Scanner{
		root:     root,
		store:    store,
		cacheTTL: options.cacheTTL,
		handles:  make(map[jobKey]*Job),
	}
}

func (s *Scanner) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.version++
	s.mu.Unlock()
}

// Tasks implements annotation.Provider.
func (s *Scanner) Tasks(ctx context.Context, filter annotation.TaskFilter) ([]annotation.Task, error) {
	tasks, err := s.Scan(ctx)
	if err != nil {
		return nil, annotation.WrapError(err, annotation.ErrStorage, "failed to scan tasks").
			WithContext("root", s.root)
	}

	ret := make([]annotation.Task, 0, len(tasks))
	for _, task := range tasks {
		if !filter.Match(task.ID()) {
			continue
		}
		ret = append(ret, task)
	}
	return ret, nil
}

// Scan returns all valid tasks sorted by id. Concurrent callers share one
// walk of the directory tree.
func (s *Scanner) Scan(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	if s.cache != nil && s.cache.version == s.version && (s.cacheTTL <= 0 || time.Since(s.cache.scanned) < s.cacheTTL) {
		cached := append([]*Task(nil), s.cache.tasks...)
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.group.Do("scan", func() (interface{}, error) {
		return s.scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	return append([]*Task(nil), v.([]*Task)...), nil
}

func (s *Scanner) scan(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	version := s.version
	s.mu.RUnlock()

	if _, err := os.Stat(s.root); err != nil {
		if os.IsNotExist(err) {
			log.Warn("Tasks directory %s does not exist", s.root)
			s.storeCache(version, nil)
			return []*Task{}, nil
		}
		return nil, err
	}

	paths, err := file.FindByName(s.root, ManifestName)
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(paths))
	seen := make(map[int]string, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := s.loadTask(path)
		if err != nil {
			log.Warn("Skipping task %s: %v", path, err)
			continue
		}
		if prev, dup := seen[task.ID()]; dup {
			log.Warn("Skipping task %s: id %d already declared by %s", path, task.ID(), prev)
			continue
		}
		seen[task.ID()] = path
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID() < tasks[j].ID() })

	tasks = s.storeCache(version, tasks)
	return tasks, nil
}

func (s *Scanner) loadTask(path string) (*Task, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	frames, err := file.ListByExt(m.FramesDir, frameExts...)
	if err != nil {
		return nil, err
	}

	task := &Task{manifest: *m, frameCount: len(frames)}
	for _, jm := range m.Jobs {
		if jm.StopFrame >= len(frames) {
			return nil, annotation.NewError(annotation.ErrOutOfRange, "job stop frame exceeds frame count").
				WithContext("job_id", jm.ID).
				WithContext("stop_frame", jm.StopFrame).
				WithContext("frames", len(frames))
		}
		task.jobs = append(task.jobs, newJob(m, jm, frames, s.store))
	}
	return task, nil
}

// storeCache swaps in reused job handles and caches the result if no
// invalidation happened during the scan.
func (s *Scanner) storeCache(version uint64, tasks []*Task) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make(map[jobKey]*Job, len(s.handles))
	for _, task := range tasks {
		for i, job := range task.jobs {
			key := jobKey{taskID: job.taskID, jobID: job.id}
			if prev, ok := s.handles[key]; ok && prev.sameSource(job) {
				task.jobs[i] = prev
				job = prev
			}
			handles[key] = job
		}
	}
	for key, prev := range s.handles {
		if handles[key] != prev && len(prev.DirtyFrames()) > 0 {
			log.Warn("Job %d of task %d was replaced with unsaved frames %v", key.jobID, key.taskID, prev.DirtyFrames())
		}
	}
	s.handles = handles

	if s.version == version {
		s.cache = &scanCache{
			version: version,
			scanned: time.Now(),
			tasks:   append([]*Task(nil), tasks...),
		}
	}
	return tasks
}
