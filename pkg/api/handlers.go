package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/openfroyo/netonboard/pkg/credentials"
	"github.com/openfroyo/netonboard/pkg/engine"
)

// SubmitRequest is the POST /onboarding/ body. Username, Password and Secret
// are an alternative to CredentialRef; they are held in memory only.
type SubmitRequest struct {
	engine.Request

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

func (r SubmitRequest) hasInline() bool {
	return r.Username != "" || r.Password != "" || r.Secret != ""
}

// SubmitResponse is returned by POST /onboarding/.
type SubmitResponse struct {
	ID     string            `json:"id"`
	Status engine.TaskStatus `json:"status"`
}

// TaskList is returned by GET /onboarding/.
type TaskList struct {
	Count int            `json:"count"`
	Tasks []*engine.Task `json:"tasks"`
}

// DriverList is returned by GET /drivers/.
type DriverList struct {
	Drivers []engine.Descriptor `json:"drivers"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orch.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*engine.Task{}
	}
	writeJSON(w, http.StatusOK, TaskList{Count: len(tasks), Tasks: tasks})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, engine.NewValidationError(fmt.Sprintf("malformed request body: %v", err), nil))
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		s.writeError(w, r, engine.NewValidationError("request body must hold a single JSON object", nil))
		return
	}

	req := body.Request
	inlineRef := ""
	if body.hasInline() {
		if req.CredentialRef != "" {
			s.writeError(w, r, engine.NewValidationError("credential_ref and inline credentials are mutually exclusive", nil).
				WithDetail("fields", map[string]interface{}{"credential_ref": "excluded_with"}))
			return
		}
		if s.opts.Vault == nil {
			s.writeError(w, r, engine.NewValidationError("inline credentials are disabled", nil))
			return
		}
		inlineRef = s.opts.Vault.Put(engine.Credentials{
			Username: body.Username,
			Password: body.Password,
			Secret:   body.Secret,
		})
		req.CredentialRef = inlineRef
	}

	id, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		if inlineRef != "" {
			s.opts.Vault.Forget(inlineRef)
		}
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/onboarding/"+id+"/")
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Status: engine.StatusPending})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	wait, err := parseWait(r.URL.Query().Get("wait"), s.opts.MaxWait)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(r.Context(), wait)
		_, waitErr := s.orch.Wait(waitCtx, id)
		cancel()
		if engine.IsKind(waitErr, engine.KindNotFound) {
			s.writeError(w, r, waitErr)
			return
		}
	}

	task, err := s.orch.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var inlineRef string
	if task, err := s.orch.Status(r.Context(), id); err == nil && strings.HasPrefix(task.Request.CredentialRef, credentials.InlinePrefix) {
		inlineRef = task.Request.CredentialRef
	}

	if err := s.orch.CancelOrDelete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if inlineRef != "" && s.opts.Vault != nil {
		s.opts.Vault.Forget(inlineRef)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) listDrivers(w http.ResponseWriter, _ *http.Request) {
	list := DriverList{Drivers: []engine.Descriptor{}}
	if s.opts.Drivers != nil {
		list.Drivers = append(list.Drivers, s.opts.Drivers.Descriptors()...)
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.Health.HealthCheck(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseWait accepts a Go duration ("30s") or whole seconds ("30"), capped at limit.
func parseWait(raw string, limit time.Duration) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, engine.NewValidationError(fmt.Sprintf("invalid wait %q", raw), nil).
				WithDetail("fields", map[string]interface{}{"wait": "duration"})
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, engine.NewValidationError("wait must not be negative", nil).
			WithDetail("fields", map[string]interface{}{"wait": "min"})
	}
	if d > limit {
		d = limit
	}
	return d, nil
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Kind    engine.Kind            `json:"kind"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StatusCode maps an error kind to its HTTP status.
func StatusCode(kind engine.Kind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindConflict:
		return http.StatusConflict
	case engine.KindThrottled:
		return http.StatusTooManyRequests
	case engine.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, engine.NewError(engine.KindNotFound, "no route for "+r.URL.Path, nil).WithCode("ROUTE_NOT_FOUND"))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{Error: ErrorDetail{
		Kind:    engine.KindValidation,
		Message: r.Method + " not allowed on " + r.URL.Path,
		Code:    "METHOD_NOT_ALLOWED",
	}})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		ee = engine.NewError(engine.KindInternal, "internal error", err)
	}

	status := StatusCode(ee.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request rejected")
	}

	writeJSON(w, status, ErrorBody{Error: ErrorDetail{
		Kind:    ee.Kind,
		Message: ee.Message,
		Code:    ee.Code,
		Details: ee.Details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
