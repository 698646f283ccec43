// Package api is the Host API Surface (spec.md §4.F): the JSON/HTTP RPCs
// a build host polls and calls. Routing and the idempotency-key wrapper
// follow FluxForge's control_plane/api.go; the bearer-token check follows
// control_plane/middleware/auth.go, standing in for koji's own
// certificate-based host authentication, which is an external
// collaborator out of scope here.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/koji-project/hub/internal/assign"
	"github.com/koji-project/hub/internal/config"
	"github.com/koji-project/hub/internal/idempotency"
	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/observability"
	"github.com/koji-project/hub/internal/refusal"
	"github.com/koji-project/hub/internal/schedloop"
	"github.com/koji-project/hub/internal/schederr"
	"github.com/koji-project/hub/internal/store"
)

// Server wires the host-facing handlers to the durable store and the
// scheduler loop's manual-run hook.
type Server struct {
	store store.Store
	cfg   config.Config
	loop  *schedloop.Loop

	idem *idempotency.Store

	// Storm protection: hosts self-report on a tight poll loop, so both
	// heartbeat-shaped calls and the manual-run admin hook need their own
	// limiter rather than sharing a global one.
	heartbeatLimiter *rate.Limiter
	adminLimiter     *rate.Limiter

	authToken string
}

// NewServer builds a Server. authToken is the shared bearer token hosts
// present; empty disables auth checks (local development only).
func NewServer(s store.Store, cfg config.Config, loop *schedloop.Loop, authToken string) *Server {
	return &Server{
		store:            s,
		cfg:              cfg,
		loop:             loop,
		idem:             idempotency.NewStore(24 * time.Hour),
		heartbeatLimiter: rate.NewLimiter(rate.Limit(100), 200),
		adminLimiter:     rate.NewLimiter(rate.Limit(2), 5),
		authToken:        authToken,
	}
}

// Routes returns the mux the caller mounts under its own prefix (e.g. next
// to /metrics and the dashboard websocket).
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/host/tasks", s.auth(s.handleGetTasksForHost))
	mux.HandleFunc("/api/host/data", s.auth(s.rateLimited(s.heartbeatLimiter, s.handleHostData)))
	mux.HandleFunc("/api/task/refuse", s.auth(s.withIdempotency(s.handleSetRefusal)))
	mux.HandleFunc("/api/task/open", s.auth(s.withIdempotency(s.handleOpenTask)))
	mux.HandleFunc("/api/task/runs", s.auth(s.handleGetTaskRuns))
	mux.HandleFunc("/api/task/refusals", s.auth(s.handleGetTaskRefusals))
	mux.HandleFunc("/api/logs", s.auth(s.handleGetLogMessages))
	mux.HandleFunc("/api/admin/run", s.auth(s.rateLimited(s.adminLimiter, s.handleDoRun)))
	mux.HandleFunc("/api/admin/assign", s.auth(s.rateLimited(s.adminLimiter, s.withIdempotency(s.handleAssignTask))))
	return mux
}

// -- middleware --

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) rateLimited(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			observability.HostRPCRateLimited.WithLabelValues(r.URL.Path).Inc()
			retryAfter := 1000 + rand.Intn(1000)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a retried mutating call
// instead of re-executing it, keyed by the caller-supplied
// X-Koji-Idempotency-Key header. Requests without the header always run.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Koji-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := s.idem.Get(key); found {
			for k, vs := range resp.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		s.idem.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// -- handlers --

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, err error) {
	if f, ok := err.(schederr.Fault); ok {
		status := http.StatusConflict
		if f.FaultCode() == schederr.CodeDatabaseError {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]interface{}{"error": f.Error(), "code": f.FaultCode()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
}

func queryInt64(r *http.Request, key string) (int64, bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, true, err
}

// handleGetTasksForHost returns a host's currently ASSIGNED tasks and is
// the host's documented heartbeat: every call stamps last_update, so a
// host that only ever polls this endpoint is never evicted as stale.
func (s *Server) handleGetTasksForHost(w http.ResponseWriter, r *http.Request) {
	hostID, ok, err := queryInt64(r, "host_id")
	if !ok || err != nil {
		http.Error(w, "host_id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateHostHeartbeat(r.Context(), hostID, time.Now()); err != nil {
		writeFault(w, err)
		return
	}

	runs, err := s.store.ActiveRuns(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}

	var mine []*model.TaskRun
	for _, run := range runs {
		if run.HostID == hostID {
			mine = append(mine, run)
		}
	}
	writeJSON(w, http.StatusOK, mine)
}

// handleHostData accepts a host's periodic self-report (capabilities,
// load) and is also the heartbeat: storing it stamps last_update.
func (s *Server) handleHostData(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.getHostData(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hostID, ok, err := queryInt64(r, "host_id")
	if !ok || err != nil {
		http.Error(w, "host_id is required", http.StatusBadRequest)
		return
	}

	var data map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := s.store.SetHostData(r.Context(), hostID, data); err != nil {
		writeFault(w, err)
		return
	}
	if err := s.store.UpdateHostHeartbeat(r.Context(), hostID, time.Now()); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHostData(w http.ResponseWriter, r *http.Request) {
	hostID, ok, err := queryInt64(r, "host_id")
	if !ok || err != nil {
		http.Error(w, "host_id is required", http.StatusBadRequest)
		return
	}
	hd, err := s.store.GetHostData(r.Context(), hostID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hd)
}

type refusalRequest struct {
	HostID  int64  `json:"host_id"`
	TaskID  int64  `json:"task_id"`
	Soft    bool   `json:"soft"`
	Message string `json:"message"`
}

func (s *Server) handleSetRefusal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req refusalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ref := &model.Refusal{
		HostID:  req.HostID,
		TaskID:  req.TaskID,
		Soft:    req.Soft,
		ByHost:  true,
		Message: req.Message,
		TS:      time.Now(),
	}
	if err := refusal.Record(r.Context(), s.store, ref); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTaskRefusals(w http.ResponseWriter, r *http.Request) {
	taskID, ok, err := queryInt64(r, "task_id")
	if !ok || err != nil {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}
	refusals, err := s.store.RefusalsForTask(r.Context(), taskID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refusals)
}

type openTaskRequest struct {
	TaskID int64 `json:"task_id"`
	HostID int64 `json:"host_id"`
}

// handleOpenTask is a host's acknowledgement that it started a task:
// ASSIGNED -> RUNNING.
func (s *Server) handleOpenTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req openTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := assign.Open(r.Context(), s.store, req.TaskID, req.HostID, time.Now()); err != nil {
		log.Printf("api: openTask failed for task %d host %d: %v", req.TaskID, req.HostID, err)
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTaskRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ActiveRuns(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetLogMessages(w http.ResponseWriter, r *http.Request) {
	var taskID, hostID *int64
	if v, ok, err := queryInt64(r, "task_id"); ok && err == nil {
		taskID = &v
	}
	if v, ok, err := queryInt64(r, "host_id"); ok && err == nil {
		hostID = &v
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.store.GetLogMessages(r.Context(), taskID, hostID, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleDoRun is the administrative force-a-tick-now hook (spec.md §4.F):
// useful for tests and operator-triggered catch-up after maintenance.
func (s *Server) handleDoRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	s.loop.RunNow(r.Context(), force)
	w.WriteHeader(http.StatusNoContent)
}

type assignTaskRequest struct {
	TaskID   int64 `json:"task_id"`
	HostID   int64 `json:"host_id"`
	Force    bool  `json:"force"`
	Override bool  `json:"override"`
}

// handleAssignTask is an administrative manual-assignment override,
// bypassing do_schedule's ranking entirely.
func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req assignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	run, err := assign.Assign(r.Context(), s.store, req.TaskID, req.HostID, req.Force, req.Override)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
