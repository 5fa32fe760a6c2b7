// Package api exposes the orchestration facade over HTTP. This is the
// stable machine contract; no auth or page rendering lives here.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/runforge/runforge/internal/orchestrator"
	"github.com/runforge/runforge/internal/supervisor"
	"github.com/runforge/runforge/internal/syncer"
	"github.com/runforge/runforge/internal/taskcfg"
	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

const defaultLogLimit = 64 * 1024

// Handler serves the HTTP API
type Handler struct {
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewHandler creates the API handler
func NewHandler(orch *orchestrator.Orchestrator, m *metrics.Metrics, logger *logging.Logger) *Handler {
	return &Handler{orch: orch, metrics: m, logger: logger.WithField("component", "api")}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/runs", h.StartRun).Methods("POST")
	r.HandleFunc("/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/runs/{id}/stop", h.StopRun).Methods("POST")
	r.HandleFunc("/runs/{id}/log", h.GetLog).Methods("GET")
	r.HandleFunc("/runs/{id}/log/stream", h.StreamLog).Methods("GET")

	r.HandleFunc("/tasks", h.ListTasks).Methods("GET")

	r.HandleFunc("/accounts", h.ListAccounts).Methods("GET")
	r.HandleFunc("/accounts/{name}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{name}/login", h.Login).Methods("POST")
	r.HandleFunc("/accounts/{name}/logout", h.Logout).Methods("POST")

	r.HandleFunc("/backup", h.BackupStatus).Methods("GET")
	r.HandleFunc("/backup/push", h.BackupPush).Methods("POST")
	r.HandleFunc("/backup/pull", h.BackupPull).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
}

type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	BlockingRunID string `json:"blocking_run_id,omitempty"`
	LocalToken    string `json:"local_token,omitempty"`
	RemoteToken   string `json:"remote_token,omitempty"`
}

// writeError maps domain errors onto the wire taxonomy
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: "INTERNAL", Message: err.Error()}
	status := http.StatusInternalServerError

	var conflict *supervisor.ConflictError
	var syncConflict *syncer.ConflictError
	switch {
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body.Error = "CONFLICT"
		body.BlockingRunID = conflict.BlockingRunID
	case errors.As(err, &syncConflict):
		status = http.StatusConflict
		body.Error = "SYNC_CONFLICT"
		body.LocalToken = syncConflict.LocalToken
		body.RemoteToken = syncConflict.RemoteToken
	case errors.Is(err, orchestrator.ErrRestoring), errors.Is(err, orchestrator.ErrRunsActive):
		status = http.StatusConflict
		body.Error = "CONFLICT"
	case errors.Is(err, syncer.ErrConfirmRequired):
		status = http.StatusConflict
		body.Error = "CONFIRM_REQUIRED"
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, taskcfg.ErrTaskNotFound):
		status = http.StatusNotFound
		body.Error = "NOT_FOUND"
	case errors.Is(err, supervisor.ErrValidation), errors.Is(err, syncer.ErrDisabled):
		status = http.StatusBadRequest
		body.Error = "VALIDATION"
	default:
		h.logger.Error("request failed", map[string]interface{}{"error": err.Error()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type startRunRequest struct {
	Task     string            `json:"task"`
	Mode     string            `json:"mode"`
	Override map[string]string `json:"override,omitempty"`
}

// StartRun accepts a launch request. 202 means the run was accepted;
// its outcome lands on the run record.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "VALIDATION", Message: "invalid request body"})
		return
	}
	mode := models.RunMode(req.Mode)
	if req.Mode == "" {
		mode = models.RunModeRun
	}

	runID, err := h.orch.StartRun(req.Task, mode, req.Override)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// ListRuns returns ledger records matching the query filters
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.RunFilter{
		TaskName:    q.Get("task"),
		AccountName: q.Get("account"),
		Status:      models.RunStatus(q.Get("status")),
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "VALIDATION", Message: "invalid since timestamp"})
			return
		}
		filter.Since = ts
	}
	if until := q.Get("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "VALIDATION", Message: "invalid until timestamp"})
			return
		}
		filter.Until = ts
	}

	runs, err := h.orch.ListRuns(filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run record
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.GetRun(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// StopRun requests termination; idempotent on finished runs
func (h *Handler) StopRun(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.StopRun(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

// GetLog returns a bounded slice of the run log as plain text. The
// next read offset is in X-Next-Offset.
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	offset, err := parseInt64(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "VALIDATION", Message: "invalid offset"})
		return
	}
	limit, err := parseInt64(r.URL.Query().Get("limit"), defaultLogLimit)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "VALIDATION", Message: "invalid limit"})
		return
	}

	data, next, err := h.orch.ReadLog(mux.Vars(r)["id"], offset, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Next-Offset", strconv.FormatInt(next, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// StreamLog streams the run log live over chunked encoding. History
// from the requested offset is replayed first, then the live feed;
// the terminal run status arrives in the X-Run-Status trailer.
func (h *Handler) StreamLog(w http.ResponseWriter, r *http.Request) {
	offset, err := parseInt64(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "VALIDATION", Message: "invalid offset"})
		return
	}

	events, cancel, err := h.orch.StreamLog(mux.Vars(r)["id"], offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Trailer", "X-Run-Status")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if len(ev.Chunk) > 0 {
				if _, err := w.Write(ev.Chunk); err != nil {
					return
				}
				flusher.Flush()
			}
			if ev.Status != "" {
				w.Header().Set("X-Run-Status", string(ev.Status))
				return
			}
		}
	}
}

// ListTasks returns the defined tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.orch.ListTasks()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ListAccounts returns all known accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.orch.ListAccounts()
	if accounts == nil {
		accounts = []*models.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GetAccount returns one account's session state
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.GetAccount(mux.Vars(r)["name"]))
}

// Login records a session handshake for the account
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.orch.Login(name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.GetAccount(name))
}

// Logout deletes the account's session material
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.orch.Logout(name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.GetAccount(name))
}

// BackupStatus returns the sync engine state
func (h *Handler) BackupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.BackupStatus())
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

func readConfirm(r *http.Request) bool {
	var req confirmRequest
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err == nil && len(body) > 0 {
			_ = json.Unmarshal(body, &req)
		}
	}
	return req.Confirm
}

// BackupPush uploads a snapshot now
func (h *Handler) BackupPush(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.TriggerPush(r.Context(), readConfirm(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.BackupStatus())
}

// BackupPull restores the remote snapshot over local state
func (h *Handler) BackupPull(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.TriggerPull(r.Context(), readConfirm(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.BackupStatus())
}

// Health reports ledger reachability
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Health(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
