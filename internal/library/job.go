package library

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/MimeLyc/annotation-session/internal/annotation"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

const (
	StatusCollecting = "Collecting changes"
	StatusDone       = "Saving is done"
)

var frameExts = []string{".jpg", ".jpeg", ".png", ".gif"}

// AnnotationStore persists saved annotations per task, job and frame.
type AnnotationStore interface {
	LoadFrameObjects(ctx context.Context, taskID, jobID, frame int) ([]annotation.Object, bool, error)
	ReplaceFrameObjects(ctx context.Context, taskID, jobID, frame int, objects []annotation.Object) error
}

type dirtyFrame struct {
	objects []annotation.Object
	version uint64
}

// Job serves the frames of one manifest job and buffers annotation edits
// until they are saved.
type Job struct {
	id, taskID  int
	start, stop int
	framesDir   string
	frames      []string
	labels      labelSet
	store       AnnotationStore

	mu      sync.Mutex
	dims    map[int][2]int
	dirty   map[int]dirtyFrame
	version uint64
}

func newJob(task *Manifest, jm JobManifest, frames []string, store AnnotationStore) *Job {
	return &Job{
		id:        jm.ID,
		taskID:    task.ID,
		start:     jm.StartFrame,
		stop:      jm.StopFrame,
		framesDir: task.FramesDir,
		frames:    frames,
		labels:    newLabelSet(task.Labels),
		store:     store,
		dims:      make(map[int][2]int),
		dirty:     make(map[int]dirtyFrame),
	}
}

func (j *Job) ID() int         { return j.id }
func (j *Job) TaskID() int     { return j.taskID }
func (j *Job) StartFrame() int { return j.start }
func (j *Job) StopFrame() int  { return j.stop }

// sameSource reports whether other was built from the same job declaration,
// in which case this handle and its unsaved edits can be kept.
func (j *Job) sameSource(other *Job) bool {
	if j.id != other.id || j.taskID != other.taskID || j.start != other.start || j.stop != other.stop {
		return false
	}
	if j.framesDir != other.framesDir || len(j.frames) != len(other.frames) {
		return false
	}
	for i := range j.frames {
		if j.frames[i] != other.frames[i] {
			return false
		}
	}
	return true
}

func (j *Job) checkFrame(number int) error {
	if number < j.start || number > j.stop || number >= len(j.frames) {
		return annotation.NewError(annotation.ErrOutOfRange, "frame is outside of the job").
			WithContext("job_id", j.id).
			WithContext("frame", number)
	}
	return nil
}

func (j *Job) Frame(ctx context.Context, number int) (*annotation.FrameData, error) {
	if err := j.checkFrame(number); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := j.frames[number]
	path := filepath.Join(j.framesDir, name)
	width, height, err := j.dimensions(number, path)
	if err != nil {
		return nil, err
	}
	return &annotation.FrameData{
		Number: number,
		Name:   name,
		Path:   path,
		Width:  width,
		Height: height,
	}, nil
}

func (j *Job) dimensions(number int, path string) (int, int, error) {
	j.mu.Lock()
	d, ok := j.dims[number]
	j.mu.Unlock()
	if ok {
		return d[0], d[1], nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, 0, annotation.WrapError(err, annotation.ErrNotFound, "frame file is not readable").
			WithContext("path", path)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, annotation.WrapError(err, annotation.ErrValidation, "frame file is not a supported image").
			WithContext("path", path)
	}

	j.mu.Lock()
	j.dims[number] = [2]int{cfg.Width, cfg.Height}
	j.mu.Unlock()
	return cfg.Width, cfg.Height, nil
}

// Annotations returns the unsaved edits of a frame if there are any, else
// its saved objects.
func (j *Job) Annotations(ctx context.Context, frame int) (*annotation.AnnotationSet, error) {
	if err := j.checkFrame(frame); err != nil {
		return nil, err
	}

	j.mu.Lock()
	d, ok := j.dirty[frame]
	j.mu.Unlock()
	if ok {
		set := &annotation.AnnotationSet{Frame: frame, Objects: d.objects}
		return set.Clone(), nil
	}

	objects, _, err := j.store.LoadFrameObjects(ctx, j.taskID, j.id, frame)
	if err != nil {
		return nil, annotation.WrapError(err, annotation.ErrStorage, "failed to load annotations").
			WithContext("task_id", j.taskID).
			WithContext("job_id", j.id).
			WithContext("frame", frame)
	}
	if objects == nil {
		objects = []annotation.Object{}
	}
	return &annotation.AnnotationSet{Frame: frame, Objects: objects}, nil
}

// UpdateAnnotations replaces the unsaved objects of a frame. Labels are
// rewritten to the task's spelling and objects without an id get one.
func (j *Job) UpdateAnnotations(_ context.Context, frame int, objects []annotation.Object) error {
	if err := j.checkFrame(frame); err != nil {
		return err
	}

	set := &annotation.AnnotationSet{Frame: frame, Objects: objects}
	set = set.Clone()
	seen := make(map[string]bool, len(set.Objects))
	for i := range set.Objects {
		obj := &set.Objects[i]
		if err := j.validateObject(obj); err != nil {
			return err.WithContext("index", i).WithContext("frame", frame)
		}
		if obj.ID == "" {
			obj.ID = uuid.NewString()
		}
		if seen[obj.ID] {
			return annotation.NewError(annotation.ErrValidation, "duplicate object id").
				WithContext("id", obj.ID).
				WithContext("frame", frame)
		}
		seen[obj.ID] = true
	}

	j.mu.Lock()
	j.version++
	j.dirty[frame] = dirtyFrame{objects: set.Objects, version: j.version}
	j.mu.Unlock()
	return nil
}

func (j *Job) validateObject(obj *annotation.Object) *annotation.Error {
	label, ok := j.labels.canonical(obj.Label)
	if !ok {
		return annotation.NewError(annotation.ErrValidation, "unknown label").WithContext("label", obj.Label)
	}
	obj.Label = label

	if !annotation.ValidShape(obj.Shape) {
		return annotation.NewError(annotation.ErrValidation, "unknown shape").WithContext("shape", obj.Shape)
	}
	n := len(obj.Points)
	switch {
	case n == 0 || n%2 != 0:
		return annotation.NewError(annotation.ErrValidation, "points must be non-empty x,y pairs").WithContext("points", n)
	case obj.Shape == annotation.ShapeRectangle && n != 4:
		return annotation.NewError(annotation.ErrValidation, "rectangle needs two corners").WithContext("points", n)
	case obj.Shape == annotation.ShapePolygon && n < 6:
		return annotation.NewError(annotation.ErrValidation, "polygon needs at least three vertices").WithContext("points", n)
	case obj.Shape == annotation.ShapePolyline && n < 4:
		return annotation.NewError(annotation.ErrValidation, "polyline needs at least two vertices").WithContext("points", n)
	}
	return nil
}

func (j *Job) DirtyFrames() []int {
	j.mu.Lock()
	ret := make([]int, 0, len(j.dirty))
	for frame := range j.dirty {
		ret = append(ret, frame)
	}
	j.mu.Unlock()
	sort.Ints(ret)
	return ret
}

// SaveAnnotations writes every unsaved frame to the store in frame order.
// Edits made to a frame while it is being saved stay unsaved.
func (j *Job) SaveAnnotations(ctx context.Context, onStatus func(status string)) error {
	if onStatus == nil {
		onStatus = func(string) {}
	}
	onStatus(StatusCollecting)

	j.mu.Lock()
	pending := make(map[int]dirtyFrame, len(j.dirty))
	for frame, d := range j.dirty {
		pending[frame] = d
	}
	j.mu.Unlock()

	frames := make([]int, 0, len(pending))
	for frame := range pending {
		frames = append(frames, frame)
	}
	sort.Ints(frames)

	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		onStatus(fmt.Sprintf("Saving frame %d", frame))
		d := pending[frame]
		if err := j.store.ReplaceFrameObjects(ctx, j.taskID, j.id, frame, d.objects); err != nil {
			return annotation.WrapError(err, annotation.ErrStorage, "failed to save annotations").
				WithContext("task_id", j.taskID).
				WithContext("job_id", j.id).
				WithContext("frame", frame)
		}

		j.mu.Lock()
		if cur, ok := j.dirty[frame]; ok && cur.version == d.version {
			delete(j.dirty, frame)
		}
		j.mu.Unlock()
	}

	log.Info("Saved %d frame(s) of task %d job %d", len(frames), j.taskID, j.id)
	onStatus(StatusDone)
	return nil
}

func (j *Job) summary() JobSummary {
	return JobSummary{
		ID:         j.id,
		TaskID:     j.taskID,
		StartFrame: j.start,
		StopFrame:  j.stop,
		Unsaved:    j.DirtyFrames(),
	}
}
