package taskpool

import (
	"context"
	"testing"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/store/storetest"
)

func TestLoadSeparatesFreeFromActive(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	s.Tasks[1] = &model.Task{ID: 1, State: model.TaskFree}
	s.Tasks[2] = &model.Task{ID: 2, State: model.TaskAssigned}
	s.Runs[1] = &model.TaskRun{ID: 1, TaskID: 2, HostID: 10, State: model.RunAssigned, CreateTS: time.Now()}

	snap, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Free) != 1 || snap.Free[0].ID != 1 {
		t.Fatalf("Free = %+v, want only task 1", snap.Free)
	}
	if _, ok := snap.RunForTask(2); !ok {
		t.Errorf("expected an active run for task 2")
	}
	if _, ok := snap.RunForTask(1); ok {
		t.Errorf("did not expect an active run for task 1")
	}
}

func TestCheckActiveTasksOverridesStaleAssignment(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	now := time.Now()

	s.Tasks[5] = &model.Task{ID: 5, State: model.TaskAssigned}
	s.Runs[9] = &model.TaskRun{ID: 9, TaskID: 5, HostID: 2, State: model.RunAssigned, CreateTS: now.Add(-time.Hour)}

	snap, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := CheckActiveTasks(ctx, s, snap, now, 10*time.Minute); err != nil {
		t.Fatalf("CheckActiveTasks: %v", err)
	}

	if s.Runs[9].State != model.RunOverride {
		t.Errorf("run state = %s, want OVERRIDE", s.Runs[9].State)
	}
	if s.Tasks[5].State != model.TaskFree {
		t.Errorf("task state = %s, want FREE", s.Tasks[5].State)
	}

	refusals, err := s.RefusalsForTask(ctx, 5)
	if err != nil {
		t.Fatalf("RefusalsForTask: %v", err)
	}
	if len(refusals) != 1 || refusals[0].HostID != 2 || !refusals[0].Soft {
		t.Fatalf("expected one soft refusal against host 2, got %+v", refusals)
	}
}

func TestCheckActiveTasksLeavesFreshAssignmentAlone(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	now := time.Now()

	s.Tasks[5] = &model.Task{ID: 5, State: model.TaskAssigned}
	s.Runs[9] = &model.TaskRun{ID: 9, TaskID: 5, HostID: 2, State: model.RunAssigned, CreateTS: now.Add(-time.Minute)}

	snap, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := CheckActiveTasks(ctx, s, snap, now, 10*time.Minute); err != nil {
		t.Fatalf("CheckActiveTasks: %v", err)
	}

	if s.Runs[9].State != model.RunAssigned {
		t.Errorf("run state = %s, want unchanged ASSIGNED", s.Runs[9].State)
	}
	if s.Tasks[5].State != model.TaskAssigned {
		t.Errorf("task state = %s, want unchanged ASSIGNED", s.Tasks[5].State)
	}
}
