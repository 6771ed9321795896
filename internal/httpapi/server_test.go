package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/annotation-session/internal/config"
	"github.com/MimeLyc/annotation-session/internal/jobs"
	"github.com/MimeLyc/annotation-session/internal/library"
	"github.com/MimeLyc/annotation-session/internal/persistence"
	"github.com/MimeLyc/annotation-session/internal/service"
	"github.com/MimeLyc/annotation-session/internal/session"
)

type fakeSettingsStore struct {
	current   config.RuntimeSettings
	updateErr error
}

func (f *fakeSettingsStore) GetRuntimeSettings() (config.RuntimeSettings, error) {
	return f.current, nil
}

func (f *fakeSettingsStore) UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error) {
	if f.updateErr != nil {
		return config.RuntimeSettings{}, f.updateErr
	}
	f.current = next
	return f.current, nil
}

const manifest = `id: 1
name: street
labels: [car, person]
frames_dir: frames
jobs:
  - {id: 7, start_frame: 0, stop_frame: 3}
`

func writeTask(t *testing.T, root string) {
	t.Helper()
	frames := filepath.Join(root, "street", "frames")
	require.NoError(t, os.MkdirAll(frames, 0o755))
	for i := range 4 {
		f, err := os.Create(filepath.Join(frames, fmt.Sprintf("%02d.png", i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 32, 24))))
		require.NoError(t, f.Close())
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "street", library.ManifestName), []byte(manifest), 0o644))
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *service.Service) {
	t.Helper()
	tmp := t.TempDir()
	tasksDir := filepath.Join(tmp, "tasks")
	writeTask(t, tasksDir)

	db, err := persistence.NewSQLiteStore(filepath.Join(tmp, "annotator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Config{
		Session: config.SessionConfig{PlaybackFPS: 25, AutosaveCron: "*/5 * * * *", QueueWorkers: 1},
	}
	svc := service.New(cfg, service.Deps{
		Provider:   library.NewScanner(tasksDir, db),
		Operations: db,
		Journal:    db,
		Cron:       cron.New(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})
	return NewServer(svc, opts...), svc
}

func do(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func openJob(t *testing.T, srv *Server) {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/session/job", map[string]int{"task_id": 1, "job_id": 7})
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, rec.Code)

	var resp operationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	waitOperation(t, srv, resp.Operation.ID, jobs.StatusSuccess)
}

func waitOperation(t *testing.T, srv *Server, id string, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := do(t, srv, http.MethodGet, "/api/operations/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var op jobs.Operation
		if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
			return false
		}
		return op.Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) session.State {
	t.Helper()
	var st session.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestServer_ListTasks(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []library.TaskSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "street", tasks[0].Name)
	assert.Equal(t, 4, tasks[0].FrameCount)
	require.Len(t, tasks[0].Jobs, 1)
	assert.Equal(t, 7, tasks[0].Jobs[0].ID)
}

func TestServer_OpenJobAndNavigate(t *testing.T) {
	srv, _ := newTestServer(t)
	openJob(t, srv)

	st := decodeState(t, do(t, srv, http.MethodGet, "/api/session/state", nil))
	assert.Equal(t, 7, st.JobID)
	assert.Equal(t, 0, st.Frame)
	require.NotNil(t, st.FrameData)
	assert.Equal(t, 32, st.FrameData.Width)

	rec := do(t, srv, http.MethodPost, "/api/session/frame", map[string]int{"frame": 99})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeState(t, rec).Frame)

	rec = do(t, srv, http.MethodPost, "/api/session/frame", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_OpenJobValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/session/job", map[string]int{"task_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/session/job", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_OpenUnknownJobFails(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/session/job", map[string]int{"task_id": 1, "job_id": 8})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp operationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	waitOperation(t, srv, resp.Operation.ID, jobs.StatusFailed)

	st := decodeState(t, do(t, srv, http.MethodGet, "/api/session/state", nil))
	assert.Contains(t, st.Error, "job with specified id does not exist")
}

func TestServer_EditAndSave(t *testing.T) {
	srv, _ := newTestServer(t)
	openJob(t, srv)

	body := map[string]any{"objects": []map[string]any{{
		"label": "CAR", "shape": "rectangle", "points": []float64{1, 1, 5, 5},
	}}}
	rec := do(t, srv, http.MethodPut, "/api/session/annotations/0", body)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeState(t, rec)
	require.Len(t, st.Annotations.Objects, 1)
	assert.Equal(t, "car", st.Annotations.Objects[0].Label)

	rec = do(t, srv, http.MethodPut, "/api/session/annotations/0", map[string]any{"objects": []map[string]any{{
		"label": "bus", "shape": "rectangle", "points": []float64{1, 1, 5, 5},
	}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/session/annotations/9", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/session/annotations/x", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/session/save", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp operationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	waitOperation(t, srv, resp.Operation.ID, jobs.StatusSuccess)

	st = decodeState(t, do(t, srv, http.MethodGet, "/api/session/state", nil))
	assert.Equal(t, []string{library.StatusCollecting, "Saving frame 0", library.StatusDone}, st.Saving.Statuses)

	rec = do(t, srv, http.MethodGet, "/api/actions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []persistence.ActionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "SAVE_ANNOTATIONS_SUCCESS", records[0].Type)

	rec = do(t, srv, http.MethodGet, "/api/actions?invocation_id="+records[0].InvocationID, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 5)

	rec = do(t, srv, http.MethodGet, "/api/actions?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UpdateAnnotationsWithoutJob(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPut, "/api/session/annotations/0", map[string]any{"objects": []any{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PlayAndCanvas(t *testing.T) {
	srv, svc := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/session/play", map[string]bool{"playing": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeState(t, rec).Playing)
	svc.SwitchPlay(false)

	rec = do(t, srv, http.MethodPost, "/api/session/play", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/session/canvas/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodPost, "/api/session/canvas/zoom", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var canvas session.CanvasState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canvas))
	assert.Equal(t, session.CanvasState{Ready: true, Zooming: true}, canvas)

	rec = do(t, srv, http.MethodPost, "/api/session/canvas/drag", map[string]bool{"enabled": false})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canvas))
	assert.False(t, canvas.Dragging)

	rec = do(t, srv, http.MethodPost, "/api/session/canvas/reset", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canvas))
	assert.Equal(t, session.CanvasState{Ready: true}, canvas)

	rec = do(t, srv, http.MethodPost, "/api/session/canvas/rotate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Operations(t *testing.T) {
	srv, _ := newTestServer(t)
	openJob(t, srv)

	rec := do(t, srv, http.MethodGet, "/api/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ops []jobs.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, jobs.KindGetJob, ops[0].Kind)

	rec = do(t, srv, http.MethodGet, "/api/operations/op-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Settings(t *testing.T) {
	store := &fakeSettingsStore{current: config.RuntimeSettings{AutosaveCron: "*/5 * * * *", PlaybackFPS: 25}}
	var applied config.RuntimeSettings
	srv, _ := newTestServer(t,
		WithRuntimeSettingsStore(store),
		WithRuntimeSettingsApplier(func(next config.RuntimeSettings) error {
			applied = next
			return nil
		}),
	)

	rec := do(t, srv, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	next := config.RuntimeSettings{AutosaveCron: "0 * * * *", PlaybackFPS: 10}
	rec = do(t, srv, http.MethodPut, "/api/settings", next)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, next, applied)
	assert.Equal(t, next, store.current)

	rec = do(t, srv, http.MethodPut, "/api/settings", config.RuntimeSettings{AutosaveCron: "bad", PlaybackFPS: 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.updateErr = errors.New("disk full")
	rec = do(t, srv, http.MethodPut, "/api/settings", next)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_SettingsWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got config.RuntimeSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 25, got.PlaybackFPS)

	rec = do(t, srv, http.MethodPut, "/api/settings", got)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_Autosave(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/autosave", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info service.AutosaveInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.Enabled)
	require.NotNil(t, info.Trigger)
	assert.Equal(t, "*/5 * * * *", info.Trigger.Expression)
}

func TestServer_Stream(t *testing.T) {
	srv, svc := newTestServer(t, WithHeartbeat(time.Hour))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/session/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return event, data
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	event, _ := readEvent()
	assert.Equal(t, "state", event)

	svc.SwitchPlay(true)
	event, data := readEvent()
	assert.Equal(t, "action", event)
	assert.Contains(t, data, `"SWITCH_PLAY"`)
	svc.SwitchPlay(false)
}
