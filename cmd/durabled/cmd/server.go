package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/nvcnvn/durable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// QueueResponse is returned by POST /api/workflows/{name}.
type QueueResponse struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
}

// StatusResponse is returned by GET /api/workflows/{id}.
type StatusResponse struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	State  durable.State   `json:"state"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	ETA    time.Time       `json:"eta"`
}

func newStatusResponse(st *durable.Status) StatusResponse {
	return StatusResponse{
		ID:     st.ID,
		Name:   st.Name,
		State:  st.State,
		Output: st.Output,
		Error:  st.Error,
		ETA:    st.ETA,
	}
}

// server exposes the engine over HTTP.
type server struct {
	engine  *durable.Engine
	logger  *zap.Logger
	metrics prometheus.Gatherer
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/workflows/{name}", s.queueHandler)
	mux.HandleFunc("GET /api/workflows/{id}", s.statusHandler)
	mux.HandleFunc("POST /api/workflows/{id}/events/{event}", s.raiseHandler)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))

	return s.loggingMiddleware(mux)
}

// queueHandler queues a workflow with the request body as input
// POST /api/workflows/{name}
//
// Example:
//
//	curl -X POST http://localhost:8080/api/workflows/verify -d '"a@example.com"'
func (s *server) queueHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	input, err := readJSON(r, "null")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []durable.QueueOption
	if id := r.URL.Query().Get("id"); id != "" {
		opts = append(opts, durable.WithID(id))
	}

	id, err := s.engine.Queue(r.Context(), name, input, opts...)
	switch {
	case errors.Is(err, durable.ErrUnknownWorkflow):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, QueueResponse{WorkflowID: id, WorkflowName: name})
}

// statusHandler returns the state of a workflow
// GET /api/workflows/{id}
func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, durable.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(st))
}

// raiseHandler delivers an external event with the request body as result
// POST /api/workflows/{id}/events/{event}
//
// Example:
//
//	curl -X POST http://localhost:8080/api/workflows/$ID/events/verify -d '"a@example.com"'
func (s *server) raiseHandler(w http.ResponseWriter, r *http.Request) {
	result, err := readJSON(r, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := durable.Event{Name: r.PathValue("event"), Result: result}

	err = s.engine.RaiseEvent(r.Context(), r.PathValue("id"), ev, durable.ThrowIfNotWaiting())
	switch {
	case errors.Is(err, durable.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	case errors.Is(err, durable.ErrNotWaiting):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// loggingMiddleware logs all HTTP requests
func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// readJSON returns the request body, or empty when there is none.
func readJSON(r *http.Request, empty string) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		if empty == "" {
			return nil, nil
		}
		return json.RawMessage(empty), nil
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return body, nil
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
