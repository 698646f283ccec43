package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koji-project/hub/internal/config"
	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/schedloop"
	"github.com/koji-project/hub/internal/store/storetest"
)

func newTestServer(t *testing.T) (*Server, *storetest.Mock) {
	t.Helper()
	s := storetest.New()
	cfg := config.Default()
	loop := schedloop.NewLoop(s, cfg, nil)
	return NewServer(s, cfg, loop, ""), s
}

func TestHandleHostDataRoundTrip(t *testing.T) {
	srv, s := newTestServer(t)
	s.Hosts[1] = &model.Host{ID: 1, Name: "builder1", Enabled: true}
	mux := srv.Routes()

	body, _ := json.Marshal(map[string]interface{}{"arches": []string{"x86_64"}})
	req := httptest.NewRequest(http.MethodPost, "/api/host/data?host_id=1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("POST status = %d, want 204", rec.Code)
	}
	if s.Hosts[1].LastUpdate.IsZero() {
		t.Fatalf("expected host heartbeat to be stamped")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/host/data?host_id=1", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", getRec.Code)
	}
	var hd model.HostData
	if err := json.Unmarshal(getRec.Body.Bytes(), &hd); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if hd.HostID != 1 {
		t.Fatalf("unexpected host data: %+v", hd)
	}
}

func TestHandleOpenTaskRejectsWrongHost(t *testing.T) {
	srv, s := newTestServer(t)
	s.Tasks[1] = &model.Task{ID: 1, State: model.TaskAssigned}
	s.Runs[1] = &model.TaskRun{ID: 1, TaskID: 1, HostID: 7, State: model.RunAssigned, CreateTS: time.Now()}
	mux := srv.Routes()

	body, _ := json.Marshal(openTaskRequest{TaskID: 1, HostID: 99})
	req := httptest.NewRequest(http.MethodPost, "/api/task/open", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for wrong-host open attempt", rec.Code)
	}
}

func TestHandleOpenTaskSucceedsForOwningHost(t *testing.T) {
	srv, s := newTestServer(t)
	s.Tasks[1] = &model.Task{ID: 1, State: model.TaskAssigned}
	s.Runs[1] = &model.TaskRun{ID: 1, TaskID: 1, HostID: 7, State: model.RunAssigned, CreateTS: time.Now()}
	mux := srv.Routes()

	body, _ := json.Marshal(openTaskRequest{TaskID: 1, HostID: 7})
	req := httptest.NewRequest(http.MethodPost, "/api/task/open", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if s.Runs[1].State != model.RunRunning {
		t.Fatalf("run state = %s, want RUNNING", s.Runs[1].State)
	}
}

func TestAuthRejectsMissingBearerToken(t *testing.T) {
	s := storetest.New()
	cfg := config.Default()
	loop := schedloop.NewLoop(s, cfg, nil)
	srv := NewServer(s, cfg, loop, "secret-token")
	mux := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/task/runs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/task/runs", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a valid bearer token", rec2.Code)
	}
}

func TestWithIdempotencyReplaysCachedResponse(t *testing.T) {
	srv, s := newTestServer(t)
	s.Tasks[1] = &model.Task{ID: 1, State: model.TaskFree}
	mux := srv.Routes()

	body, _ := json.Marshal(refusalRequest{HostID: 1, TaskID: 1, Soft: true, Message: "disk full"})

	req := httptest.NewRequest(http.MethodPost, "/api/task/refuse", bytes.NewReader(body))
	req.Header.Set("X-Koji-Idempotency-Key", "retry-key-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first call status = %d, want 204", rec.Code)
	}

	refusals, err := s.RefusalsForTask(req.Context(), 1)
	if err != nil || len(refusals) != 1 {
		t.Fatalf("expected exactly one refusal recorded, got %+v err=%v", refusals, err)
	}

	// Replay with the same idempotency key must not record a second refusal.
	req2 := httptest.NewRequest(http.MethodPost, "/api/task/refuse", bytes.NewReader(body))
	req2.Header.Set("X-Koji-Idempotency-Key", "retry-key-1")
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNoContent {
		t.Fatalf("replayed call status = %d, want 204", rec2.Code)
	}

	refusals, err = s.RefusalsForTask(req.Context(), 1)
	if err != nil || len(refusals) != 1 {
		t.Fatalf("expected replay to avoid a second write, got %+v err=%v", refusals, err)
	}
}
