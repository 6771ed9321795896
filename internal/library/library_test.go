package library

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/annotation-session/internal/annotation"
)

type memoryStore struct {
	mu      sync.Mutex
	frames  map[[3]int][]annotation.Object
	saveErr error
	saves   atomic.Int32
}

func newMemoryStore() *memoryStore {
	return &memoryStore{frames: make(map[[3]int][]annotation.Object)}
}

func (m *memoryStore) LoadFrameObjects(_ context.Context, taskID, jobID, frame int) ([]annotation.Object, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objects, ok := m.frames[[3]int{taskID, jobID, frame}]
	return objects, ok, nil
}

func (m *memoryStore) ReplaceFrameObjects(_ context.Context, taskID, jobID, frame int, objects []annotation.Object) error {
	m.saves.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.frames[[3]int{taskID, jobID, frame}] = objects
	return nil
}

func writeFrames(t *testing.T, dir string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := range n {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 8+i, 6))))
		require.NoError(t, f.Close())
	}
}

func writeTask(t *testing.T, root, name, manifest string, frames int) {
	t.Helper()
	dir := filepath.Join(root, name)
	writeFrames(t, filepath.Join(dir, "frames"), frames)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0o644))
}

const streetManifest = `id: 1
name: street
labels: [Car, "Pedestrian"]
frames_dir: frames
jobs:
  - id: 10
    start_frame: 0
    stop_frame: 2
  - id: 11
    start_frame: 3
    stop_frame: 4
`

func newTestScanner(t *testing.T) (*Scanner, *memoryStore) {
	t.Helper()
	root := t.TempDir()
	writeTask(t, root, "street", streetManifest, 5)
	store := newMemoryStore()
	return NewScanner(root, store), store
}

func jobByID(t *testing.T, s *Scanner, taskID, jobID int) *Job {
	t.Helper()
	tasks, err := s.Tasks(context.Background(), annotation.ByTaskID(taskID))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	for _, job := range tasks[0].Jobs() {
		if job.ID() == jobID {
			return job.(*Job)
		}
	}
	t.Fatalf("job %d not found", jobID)
	return nil
}

func TestScanner_DiscoversTasks(t *testing.T) {
	s, _ := newTestScanner(t)

	tasks, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	summary := tasks[0].Summary()
	assert.Equal(t, 1, summary.ID)
	assert.Equal(t, "street", summary.Name)
	assert.Equal(t, 5, summary.FrameCount)
	require.Len(t, summary.Jobs, 2)
	assert.Equal(t, JobSummary{ID: 11, TaskID: 1, StartFrame: 3, StopFrame: 4, Unsaved: []int{}}, summary.Jobs[1])
}

func TestScanner_SkipsInvalidManifests(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "ok", streetManifest, 5)
	writeTask(t, root, "short", "id: 2\nname: short\nlabels: [a]\nframes_dir: frames\njobs:\n  - {id: 20, start_frame: 0, stop_frame: 9}\n", 3)
	writeTask(t, root, "zz-dup", "id: 1\nname: dup\nlabels: [a]\nframes_dir: frames\njobs:\n  - {id: 30, start_frame: 0, stop_frame: 0}\n", 1)
	writeTask(t, root, "broken", "id: [\n", 1)

	tasks, err := NewScanner(root, newMemoryStore()).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "street", tasks[0].Name())
}

func TestScanner_MissingRootIsEmpty(t *testing.T) {
	s := NewScanner(filepath.Join(t.TempDir(), "missing"), newMemoryStore())
	tasks, err := s.Tasks(context.Background(), annotation.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestScanner_FilterAndCache(t *testing.T) {
	s, _ := newTestScanner(t)
	s.cacheTTL = time.Hour

	none, err := s.Tasks(context.Background(), annotation.ByTaskID(99))
	require.NoError(t, err)
	assert.Empty(t, none)

	zero, err := s.Tasks(context.Background(), annotation.ByTaskID(0))
	require.NoError(t, err)
	assert.Empty(t, zero)

	writeTask(t, s.root, "later", "id: 2\nname: later\nlabels: [a]\nframes_dir: frames\njobs:\n  - {id: 20, start_frame: 0, stop_frame: 0}\n", 1)
	cached, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	s.Invalidate()
	fresh, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestScanner_KeepsHandlesAcrossRescans(t *testing.T) {
	s, _ := newTestScanner(t)
	job := jobByID(t, s, 1, 10)
	require.NoError(t, job.UpdateAnnotations(context.Background(), 1, []annotation.Object{
		{Label: "car", Shape: annotation.ShapeRectangle, Points: []float64{0, 0, 1, 1}},
	}))

	s.Invalidate()
	again := jobByID(t, s, 1, 10)
	assert.Same(t, job, again)
	assert.Equal(t, []int{1}, again.DirtyFrames())
}

func TestJob_Frame(t *testing.T) {
	s, _ := newTestScanner(t)
	job := jobByID(t, s, 1, 11)

	fd, err := job.Frame(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, fd.Number)
	assert.Equal(t, "frame_003.png", fd.Name)
	assert.Equal(t, 11, fd.Width)
	assert.Equal(t, 6, fd.Height)

	_, err = job.Frame(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, annotation.IsKind(err, annotation.ErrOutOfRange))
}

func TestJob_UpdateAnnotations(t *testing.T) {
	s, _ := newTestScanner(t)
	job := jobByID(t, s, 1, 10)
	ctx := context.Background()

	err := job.UpdateAnnotations(ctx, 0, []annotation.Object{
		{Label: "  PEDESTRIAN ", Shape: annotation.ShapePoints, Points: []float64{1, 2}},
	})
	require.NoError(t, err)

	set, err := job.Annotations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, set.Objects, 1)
	assert.Equal(t, "Pedestrian", set.Objects[0].Label)
	assert.NotEmpty(t, set.Objects[0].ID)

	cases := []annotation.Object{
		{Label: "truck", Shape: annotation.ShapePoints, Points: []float64{1, 2}},
		{Label: "car", Shape: "ellipse", Points: []float64{1, 2}},
		{Label: "car", Shape: annotation.ShapeRectangle, Points: []float64{1, 2}},
		{Label: "car", Shape: annotation.ShapePolygon, Points: []float64{1, 2, 3, 4}},
		{Label: "car", Shape: annotation.ShapePoints, Points: []float64{1}},
	}
	for _, obj := range cases {
		err := job.UpdateAnnotations(ctx, 0, []annotation.Object{obj})
		require.Error(t, err, "%+v", obj)
		assert.True(t, annotation.IsKind(err, annotation.ErrValidation))
	}

	err = job.UpdateAnnotations(ctx, 0, []annotation.Object{
		{ID: "x", Label: "car", Shape: annotation.ShapePoints, Points: []float64{1, 2}},
		{ID: "x", Label: "car", Shape: annotation.ShapePoints, Points: []float64{3, 4}},
	})
	assert.True(t, annotation.IsKind(err, annotation.ErrValidation))

	err = job.UpdateAnnotations(ctx, 3, nil)
	assert.True(t, annotation.IsKind(err, annotation.ErrOutOfRange))
}

func TestJob_SaveAnnotations(t *testing.T) {
	s, store := newTestScanner(t)
	job := jobByID(t, s, 1, 10)
	ctx := context.Background()

	rect := annotation.Object{ID: "r", Label: "car", Shape: annotation.ShapeRectangle, Points: []float64{0, 0, 4, 4}}
	require.NoError(t, job.UpdateAnnotations(ctx, 2, []annotation.Object{rect}))
	require.NoError(t, job.UpdateAnnotations(ctx, 0, nil))

	var statuses []string
	require.NoError(t, job.SaveAnnotations(ctx, func(status string) { statuses = append(statuses, status) }))
	assert.Equal(t, []string{StatusCollecting, "Saving frame 0", "Saving frame 2", StatusDone}, statuses)
	assert.Empty(t, job.DirtyFrames())

	rect.Label = "Car"
	saved, ok, err := store.LoadFrameObjects(ctx, 1, 10, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []annotation.Object{rect}, saved)

	set, err := job.Annotations(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []annotation.Object{rect}, set.Objects)

	statuses = nil
	require.NoError(t, job.SaveAnnotations(ctx, func(status string) { statuses = append(statuses, status) }))
	assert.Equal(t, []string{StatusCollecting, StatusDone}, statuses)
}

func TestJob_SaveFailureKeepsEdits(t *testing.T) {
	s, store := newTestScanner(t)
	job := jobByID(t, s, 1, 10)
	ctx := context.Background()

	require.NoError(t, job.UpdateAnnotations(ctx, 1, nil))
	store.saveErr = errors.New("read only")

	err := job.SaveAnnotations(ctx, nil)
	require.Error(t, err)
	assert.True(t, annotation.IsKind(err, annotation.ErrStorage))
	assert.Equal(t, []int{1}, job.DirtyFrames())
}

func TestJob_AnnotationsDefaultEmpty(t *testing.T) {
	s, _ := newTestScanner(t)
	set, err := jobByID(t, s, 1, 10).Annotations(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Frame)
	assert.NotNil(t, set.Objects)
	assert.Empty(t, set.Objects)
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, NormalizeLabel("Café"), NormalizeLabel("CAFÉ"))
	assert.Equal(t, NormalizeLabel("STRASSE"), NormalizeLabel(" Straße "))
	assert.NotEqual(t, NormalizeLabel("car"), NormalizeLabel("cart"))
}

func TestLoadManifest_Validation(t *testing.T) {
	dir := t.TempDir()
	write := func(body string) string {
		path := filepath.Join(dir, ManifestName)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	m, err := LoadManifest(write("id: 3\nname: n\nlabels: [a]\njobs:\n  - {id: 1, start_frame: 0, stop_frame: 0}\n"))
	require.NoError(t, err)
	assert.Equal(t, dir, m.FramesDir)

	bad := []string{
		"id: 0\nname: n\nlabels: [a]\njobs:\n  - {id: 1, start_frame: 0, stop_frame: 0}\n",
		"id: 3\nname: n\nlabels: []\njobs:\n  - {id: 1, start_frame: 0, stop_frame: 0}\n",
		"id: 3\nname: n\nlabels: [a]\njobs:\n  - {id: 1, start_frame: 5, stop_frame: 2}\n",
		"id: 3\nname: n\nlabels: [a, A]\njobs:\n  - {id: 1, start_frame: 0, stop_frame: 0}\n",
		"id: 3\nname: n\nlabels: [a]\njobs:\n  - {id: 1, start_frame: 0, stop_frame: 0}\n  - {id: 1, start_frame: 0, stop_frame: 0}\n",
		"id: 3\nname: n\nlabels: [a]\ncolor: red\njobs:\n  - {id: 1, start_frame: 0, stop_frame: 0}\n",
	}
	for _, body := range bad {
		_, err := LoadManifest(write(body))
		assert.Error(t, err, body)
	}
}

func TestJob_SharedJobIDsStaySeparateAcrossTasks(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "street", streetManifest, 5)
	writeTask(t, root, "yard", "id: 2\nname: yard\nlabels: [car]\nframes_dir: frames\njobs:\n  - {id: 10, start_frame: 0, stop_frame: 2}\n", 3)
	store := newMemoryStore()
	s := NewScanner(root, store)
	ctx := context.Background()

	street := jobByID(t, s, 1, 10)
	yard := jobByID(t, s, 2, 10)

	rect := annotation.Object{ID: "r", Label: "car", Shape: annotation.ShapeRectangle, Points: []float64{0, 0, 4, 4}}
	require.NoError(t, street.UpdateAnnotations(ctx, 0, []annotation.Object{rect}))
	require.NoError(t, street.SaveAnnotations(ctx, nil))

	set, err := yard.Annotations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, set.Objects)

	set, err = street.Annotations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, set.Objects, 1)

	require.NoError(t, yard.UpdateAnnotations(ctx, 0, nil))
	require.NoError(t, yard.SaveAnnotations(ctx, nil))
	set, err = street.Annotations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, set.Objects, 1)
}
