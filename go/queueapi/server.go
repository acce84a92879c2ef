// Package queueapi exposes the queue's producer and operator surface over
// HTTP: enqueueing, task inspection, result retrieval, operator requeue of
// stuck tasks, and the process /metrics and /healthz endpoints. Task
// execution stays with worker processes; this server never runs handlers.
package queueapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sitq/sitq/go/client"
	"github.com/sitq/sitq/go/codec"
	"github.com/sitq/sitq/go/store"
)

// maxResultWait bounds how long a single result request may block.
const maxResultWait = 30 * time.Second

// Server routes queue operations over HTTP. It does not own the store;
// closing the store is the caller's responsibility.
type Server struct {
	store  store.Store
	codec  codec.Codec
	client *client.Client
	router *mux.Router
}

// NewServer returns a Server over the given store and codec.
func NewServer(st store.Store, cod codec.Codec) *Server {
	var s = &Server{
		store:  st,
		codec:  cod,
		client: client.New(st, cod),
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/v1/tasks", s.handleEnqueue).Methods("POST")
	s.router.HandleFunc("/v1/tasks", s.handleList).Methods("GET")
	s.router.HandleFunc("/v1/tasks/{id}", s.handleGet).Methods("GET")
	s.router.HandleFunc("/v1/tasks/{id}/result", s.handleResult).Methods("GET")
	s.router.HandleFunc("/v1/tasks/{id}/requeue", s.handleRequeue).Methods("POST")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type enqueueRequest struct {
	TaskID  string            `json:"task_id,omitempty"` // optional caller-chosen id
	Handler string            `json:"handler"`
	Args    []any             `json:"args,omitempty"`
	Kwargs  map[string]any    `json:"kwargs,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	ETA     string            `json:"eta,omitempty"` // RFC 3339
}

type taskResponse struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	AvailableAt time.Time `json:"available_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Value       any       `json:"value,omitempty"`
	Error       string    `json:"error,omitempty"`
	Traceback   string    `json:"traceback,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parsing request body: "+err.Error())
		return
	}
	if req.Handler == "" {
		writeError(w, http.StatusBadRequest, "handler is required")
		return
	}

	var availableAt = time.Now().UTC()
	if req.ETA != "" {
		var eta, err = time.Parse(time.RFC3339, req.ETA)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parsing eta: "+err.Error())
			return
		}
		availableAt = eta.UTC()
	}

	var payload, err = s.codec.EncodeTask(codec.CallSpec{
		Handler: req.Handler,
		Args:    req.Args,
		Kwargs:  req.Kwargs,
		Context: req.Context,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "encoding task: "+err.Error())
		return
	}

	var taskID = req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	if err = s.store.Enqueue(r.Context(), taskID, payload, availableAt); err != nil {
		if errors.Is(err, store.ErrDuplicateTaskID) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	log.WithFields(log.Fields{"task": taskID, "handler": req.Handler}).
		Debug("enqueued task over HTTP")
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var status = store.Status(r.URL.Query().Get("status"))
	switch status {
	case "", store.StatusPending, store.StatusInProgress, store.StatusSuccess, store.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	var tasks, err = s.store.ListTasks(r.Context(), status, 100)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var out = make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, s.project(&tasks[i], false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var task, err = s.store.GetResult(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusOK, s.project(task, true))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var taskID = mux.Vars(r)["id"]

	var wait time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		var parsed, err = time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parsing timeout: "+err.Error())
			return
		}
		wait = parsed
	}
	if wait > maxResultWait {
		wait = maxResultWait
	}

	// Distinguish an unknown task from a known-but-unfinished one up front:
	// the polling client deliberately does not.
	var task, err = s.store.GetResult(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}

	result, err := s.client.GetResult(r.Context(), taskID, wait)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if result == nil {
		writeError(w, http.StatusRequestTimeout, "task is not yet terminal")
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{
		TaskID:     result.TaskID,
		Status:     string(result.Status),
		EnqueuedAt: result.EnqueuedAt,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Value:      result.Value,
		Error:      result.Error,
		Traceback:  result.Traceback,
	})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var taskID = mux.Vars(r)["id"]
	var err = s.store.Requeue(r.Context(), taskID)

	switch {
	case errors.Is(err, store.ErrNoSuchTask):
		writeError(w, http.StatusNotFound, "no such task")
	case errors.Is(err, store.ErrStaleTransition):
		writeError(w, http.StatusConflict, "task is not in progress")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.WithField("task", taskID).Info("requeued task")
		writeJSON(w, http.StatusOK, map[string]string{
			"task_id": taskID,
			"status":  string(store.StatusPending),
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// project renders a store Task for the API. The decoded result value is
// included only when requested and the task succeeded.
func (s *Server) project(task *store.Task, withValue bool) taskResponse {
	var out = taskResponse{
		TaskID:      task.TaskID,
		Status:      string(task.Status),
		EnqueuedAt:  task.EnqueuedAt,
		AvailableAt: task.AvailableAt,
		Error:       task.Error,
		Traceback:   task.Traceback,
	}
	if task.StartedAt != nil {
		out.StartedAt = *task.StartedAt
	}
	if task.FinishedAt != nil {
		out.FinishedAt = *task.FinishedAt
	}
	if withValue && task.Status == store.StatusSuccess {
		if value, err := s.codec.DecodeValue(task.ResultValue); err == nil {
			out.Value = value
		} else {
			log.WithFields(log.Fields{"task": task.TaskID, "err": err}).
				Warn("failed to decode stored result value")
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Error("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
