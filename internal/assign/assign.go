// Package assign is the Assignment Engine (spec.md §4.D): it commits a
// single task-to-host assignment as one transaction, re-validating the
// task's state under FOR UPDATE so a lost race surfaces as
// schederr.TaskAlreadyAssigned rather than corrupting state. Grounded on
// FluxForge's store/postgres.go optimistic-lock UpdateStateStatus pattern
// (read-under-lock, check, write, commit) and its resilience/errors.go
// struct-based error convention.
package assign

import (
	"context"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/observability"
	"github.com/koji-project/hub/internal/schederr"
	"github.com/koji-project/hub/internal/store"
)

// Assign binds taskID to hostID, creating a new ASSIGNED TaskRun.
//
// If override is false and the task is not currently FREE, the call fails
// with *schederr.TaskAlreadyAssigned. If override is true and the task
// already has an active run (on a different host, typically because the
// caller already decided to evict it), that run is marked OVERRIDE before
// the new one is inserted; if override is false and an active run exists,
// the call also fails with *schederr.TaskAlreadyAssigned. Both checks are
// gated on override alone. force is accepted but not consulted: Assign
// performs no host-eligibility checks, so there is nothing for it to bypass.
func Assign(ctx context.Context, s store.Store, taskID, hostID int64, force, override bool) (*model.TaskRun, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return nil, &schederr.DatabaseError{Op: "assign.begin", Err: err}
	}
	defer tx.Rollback(ctx) // no-op after Commit

	task, err := s.GetTaskForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, &schederr.DatabaseError{Op: "assign.get_task", Err: err}
	}

	if task.State != model.TaskFree && !override {
		observability.AssignmentConflictsTotal.Inc()
		return nil, &schederr.TaskAlreadyAssigned{TaskID: taskID}
	}

	if activeRun, err := s.GetActiveRunForUpdate(ctx, tx, taskID); err != nil {
		return nil, &schederr.DatabaseError{Op: "assign.get_active_run", Err: err}
	} else if activeRun != nil {
		if !override {
			observability.AssignmentConflictsTotal.Inc()
			return nil, &schederr.TaskAlreadyAssigned{TaskID: taskID}
		}
		if err := s.SetRunState(ctx, tx, activeRun.ID, model.RunOverride); err != nil {
			return nil, &schederr.DatabaseError{Op: "assign.override_run", Err: err}
		}
	}

	run, err := s.InsertRun(ctx, tx, taskID, hostID, model.RunAssigned)
	if err != nil {
		return nil, &schederr.DatabaseError{Op: "assign.insert_run", Err: err}
	}

	if err := s.SetTaskAssigned(ctx, tx, taskID, hostID); err != nil {
		return nil, &schederr.DatabaseError{Op: "assign.set_task_assigned", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &schederr.DatabaseError{Op: "assign.commit", Err: err}
	}

	observability.AssignmentsTotal.WithLabelValues(model.BinKey(task.ChannelID, task.Arch)).Inc()

	logMsg := &model.LogMessage{
		TS:      time.Now(),
		TaskID:  &taskID,
		HostID:  &hostID,
		Message: "assigned",
	}
	_ = s.AppendLog(ctx, logMsg) // best-effort: a missed log entry must never fail an assignment

	return run, nil
}

// Open transitions a task's active ASSIGNED run to RUNNING/OPEN, the host
// RPC surface's acknowledgement that it picked the task up. Fails with
// *schederr.WrongHost if the caller does not hold the active run.
func Open(ctx context.Context, s store.Store, taskID, hostID int64, now time.Time) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return &schederr.DatabaseError{Op: "open.begin", Err: err}
	}
	defer tx.Rollback(ctx)

	run, err := s.GetActiveRunForUpdate(ctx, tx, taskID)
	if err != nil {
		return &schederr.DatabaseError{Op: "open.get_active_run", Err: err}
	}
	if run == nil {
		return &schederr.TaskAlreadyAssigned{TaskID: taskID}
	}
	if run.HostID != hostID {
		return &schederr.WrongHost{TaskID: taskID, RequestHost: hostID, AssignedHost: run.HostID}
	}

	// The FOR UPDATE read above only needed to confirm ownership; OpenRun
	// does the actual state + start_ts write outside this (now read-only)
	// transaction.
	if err := tx.Commit(ctx); err != nil {
		return &schederr.DatabaseError{Op: "open.commit", Err: err}
	}

	return s.OpenRun(ctx, run.ID, now)
}
