// Package storetest is an in-memory store.Store used by the scheduler
// core's tests, in the spirit of FluxForge scheduler_test.go's hand-rolled
// MockStore: just enough behavior to drive the package under test, not a
// full Postgres emulation.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/store"
)

// Mock is a minimal, single-process, mutex-guarded store.Store.
type Mock struct {
	mu sync.Mutex

	Hosts      map[int64]*model.Host
	Tasks      map[int64]*model.Task
	Runs       map[int64]*model.TaskRun
	Refusals   map[[2]int64]*model.Refusal // [hostID, taskID]
	HostData   map[int64]map[string]interface{}
	Logs       []*model.LogMessage
	LastRunTS  time.Time
	nextRunID  int64
	nextLogID  int64
	lockHeld   map[string]bool
}

// New builds an empty Mock.
func New() *Mock {
	return &Mock{
		Hosts:    make(map[int64]*model.Host),
		Tasks:    make(map[int64]*model.Task),
		Runs:     make(map[int64]*model.TaskRun),
		Refusals: make(map[[2]int64]*model.Refusal),
		HostData: make(map[int64]map[string]interface{}),
		lockHeld: make(map[string]bool),
	}
}

type mockTx struct{}

func (mockTx) Commit(ctx context.Context) error   { return nil }
func (mockTx) Rollback(ctx context.Context) error { return nil }

func (m *Mock) Begin(ctx context.Context) (store.Tx, error) { return mockTx{}, nil }

type mockLock struct {
	m    *Mock
	name string
}

func (l *mockLock) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	delete(l.m.lockHeld, l.name)
	return nil
}

func (m *Mock) TryAdvisoryLock(ctx context.Context, name string) (store.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockHeld[name] {
		return nil, false, nil
	}
	m.lockHeld[name] = true
	return &mockLock{m: m, name: name}, true, nil
}

func (m *Mock) ListEnabledHosts(ctx context.Context) ([]*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Host
	for _, h := range m.Hosts {
		if h.Enabled {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Mock) GetHost(ctx context.Context, hostID int64) (*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.Hosts[hostID]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (m *Mock) UpdateHostHeartbeat(ctx context.Context, hostID int64, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.Hosts[hostID]; ok {
		h.LastUpdate = t
	}
	return nil
}

func (m *Mock) FreeTasks(ctx context.Context) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.Tasks {
		if t.State != model.TaskFree {
			continue
		}
		if m.hasActiveRunLocked(t.ID) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Mock) hasActiveRunLocked(taskID int64) bool {
	for _, r := range m.Runs {
		if r.TaskID == taskID && r.State.IsActive() {
			return true
		}
	}
	return false
}

func (m *Mock) GetTaskForUpdate(ctx context.Context, tx store.Tx, taskID int64) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *Mock) SetTaskFree(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tasks[taskID]; ok {
		t.State = model.TaskFree
		t.HostID = nil
	}
	return nil
}

func (m *Mock) SetTaskAssigned(ctx context.Context, tx store.Tx, taskID int64, hostID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tasks[taskID]; ok {
		t.State = model.TaskAssigned
		hid := hostID
		t.HostID = &hid
	}
	return nil
}

func (m *Mock) SetTaskHostID(ctx context.Context, taskID int64, hostID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tasks[taskID]; ok {
		hid := hostID
		t.HostID = &hid
	}
	return nil
}

func (m *Mock) ActiveRuns(ctx context.Context) ([]*model.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TaskRun
	for _, r := range m.Runs {
		if r.State.IsActive() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Mock) GetActiveRunForUpdate(ctx context.Context, tx store.Tx, taskID int64) (*model.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Runs {
		if r.TaskID == taskID && r.State.IsActive() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Mock) InsertRun(ctx context.Context, tx store.Tx, taskID, hostID int64, state model.RunState) (*model.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	run := &model.TaskRun{ID: m.nextRunID, TaskID: taskID, HostID: hostID, State: state, CreateTS: time.Now()}
	m.Runs[run.ID] = run
	cp := *run
	return &cp, nil
}

func (m *Mock) SetRunState(ctx context.Context, tx store.Tx, runID int64, state model.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Runs[runID]
	if !ok {
		return nil
	}
	r.State = state
	if state == model.RunDone || state == model.RunFail || state == model.RunOverride {
		now := time.Now()
		r.EndTS = &now
	}
	return nil
}

func (m *Mock) OpenRun(ctx context.Context, runID int64, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.Runs[runID]; ok {
		r.State = model.RunRunning
		r.StartTS = &t
	}
	return nil
}

func (m *Mock) SetRefusal(ctx context.Context, r *model.Refusal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.Refusals[[2]int64{r.HostID, r.TaskID}] = &cp
	return nil
}

func (m *Mock) RefusalsForTask(ctx context.Context, taskID int64) ([]*model.Refusal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Refusal
	for k, r := range m.Refusals {
		if k[1] == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Mock) PurgeRefusalsForTask(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.Refusals {
		if k[1] == taskID {
			delete(m.Refusals, k)
		}
	}
	return nil
}

func (m *Mock) SetHostData(ctx context.Context, hostID int64, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HostData[hostID] = data
	return nil
}

func (m *Mock) GetHostData(ctx context.Context, hostID int64) (*model.HostData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.HostData[hostID]
	if !ok {
		return nil, nil
	}
	return &model.HostData{HostID: hostID, Data: data}, nil
}

func (m *Mock) AppendLog(ctx context.Context, msg *model.LogMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	msg.ID = m.nextLogID
	m.Logs = append(m.Logs, msg)
	return nil
}

func (m *Mock) GetLogMessages(ctx context.Context, taskID *int64, hostID *int64, limit int) ([]*model.LogMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.LogMessage
	for _, msg := range m.Logs {
		if taskID != nil && (msg.TaskID == nil || *msg.TaskID != *taskID) {
			continue
		}
		if hostID != nil && (msg.HostID == nil || *msg.HostID != *hostID) {
			continue
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Mock) GetLastRunTS(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRunTS, nil
}

func (m *Mock) SetLastRunTS(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRunTS = t
	return nil
}
