package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/annotation-session/internal/annotation"
	"github.com/MimeLyc/annotation-session/internal/config"
	"github.com/MimeLyc/annotation-session/internal/jobs"
	"github.com/MimeLyc/annotation-session/internal/service"
)

type openJobRequest struct {
	TaskID int `json:"task_id" validate:"required,gt=0"`
	JobID  int `json:"job_id" validate:"required,gt=0"`
}

type changeFrameRequest struct {
	Frame *int `json:"frame" validate:"required"`
}

type switchPlayRequest struct {
	Playing *bool `json:"playing" validate:"required"`
}

type canvasRequest struct {
	Enabled *bool `json:"enabled"`
}

type updateAnnotationsRequest struct {
	Objects []annotation.Object `json:"objects" validate:"dive"`
}

type operationResponse struct {
	Created   bool            `json:"created"`
	Operation *jobs.Operation `json:"operation"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.Tasks(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.State())
}

func (s *Server) handleOpenJob(w http.ResponseWriter, r *http.Request) {
	var req openJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	op, created := s.svc.OpenJob(req.TaskID, req.JobID, service.SourceAPI)
	writeOperation(w, op, created)
}

func (s *Server) handleSave(w http.ResponseWriter, _ *http.Request) {
	op, created := s.svc.Save(service.SourceAPI)
	writeOperation(w, op, created)
}

func (s *Server) handleChangeFrame(w http.ResponseWriter, r *http.Request) {
	var req changeFrameRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.svc.ChangeFrame(r.Context(), *req.Frame)
	writeJSON(w, http.StatusOK, s.svc.State())
}

func (s *Server) handleSwitchPlay(w http.ResponseWriter, r *http.Request) {
	var req switchPlayRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.svc.SwitchPlay(*req.Playing)
	writeJSON(w, http.StatusOK, s.svc.State())
}

func (s *Server) handleUpdateAnnotations(w http.ResponseWriter, r *http.Request) {
	frame, err := strconv.Atoi(chi.URLParam(r, "frame"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame must be an integer")
		return
	}
	var req updateAnnotationsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.UpdateAnnotations(r.Context(), frame, req.Objects); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.State())
}

// handleCanvas switches a canvas mode. drag and zoom take an optional
// enabled flag that defaults to true.
func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	enabled := true
	if mode == "drag" || mode == "zoom" {
		var req canvasRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json body")
				return
			}
		}
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
	}

	switch mode {
	case "drag":
		s.svc.DragCanvas(enabled)
	case "zoom":
		s.svc.ZoomCanvas(enabled)
	case "reset":
		s.svc.ResetCanvas()
	case "ready":
		s.svc.ConfirmCanvasReady()
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown canvas mode %q", mode))
		return
	}
	writeJSON(w, http.StatusOK, s.svc.State().Canvas)
}

func (s *Server) handleListOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Operations())
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.svc.Operation(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("invocation_id"); id != "" {
		records, err := s.svc.InvocationActions(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.svc.Actions(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAutosave(w http.ResponseWriter, _ *http.Request) {
	info, err := s.svc.Autosave(time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		writeJSON(w, http.StatusOK, s.svc.RuntimeSettings())
		return
	}
	settings, err := s.settings.GetRuntimeSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	var req config.RuntimeSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.settings.UpdateRuntimeSettings(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.apply != nil {
		if err := s.apply(saved); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, saved)
}

// decode reads a JSON body into dst and validates it. It writes a 400 and
// returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeOperation(w http.ResponseWriter, op *jobs.Operation, created bool) {
	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, operationResponse{Created: created, Operation: op})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var aerr *annotation.Error
	if !errors.As(err, &aerr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch aerr.Kind {
	case annotation.ErrNotFound:
		writeError(w, http.StatusNotFound, aerr.Error())
	case annotation.ErrValidation, annotation.ErrOutOfRange:
		writeError(w, http.StatusBadRequest, aerr.Error())
	default:
		writeError(w, http.StatusInternalServerError, aerr.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
