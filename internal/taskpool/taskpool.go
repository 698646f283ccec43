// Package taskpool is the Task Pool (spec.md §4.B): it snapshots FREE
// tasks and active TaskRuns for a tick, and sweeps ASSIGNED runs that have
// overstayed assign_timeout. Runs of a host that has gone silent are swept
// by registry.CheckHosts, not here.
package taskpool

import (
	"context"
	"log"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/observability"
	"github.com/koji-project/hub/internal/store"
)

// Snapshot is the per-tick view of schedulable work.
type Snapshot struct {
	Free       []*model.Task
	ActiveRuns []*model.TaskRun

	// byTaskID indexes ActiveRuns by task ID for RunForTask.
	byTaskID map[int64]*model.TaskRun
}

// Load queries FREE tasks and active (ASSIGNED/RUNNING) runs.
func Load(ctx context.Context, s store.Store) (*Snapshot, error) {
	free, err := s.FreeTasks(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := s.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}

	observability.FreeTasksGauge.Set(float64(len(free)))

	byTaskID := make(map[int64]*model.TaskRun, len(runs))
	for _, r := range runs {
		byTaskID[r.TaskID] = r
	}

	return &Snapshot{Free: free, ActiveRuns: runs, byTaskID: byTaskID}, nil
}

// RunForTask returns the active run for a task, if any.
func (s *Snapshot) RunForTask(taskID int64) (*model.TaskRun, bool) {
	r, ok := s.byTaskID[taskID]
	return r, ok
}

// CheckActiveTasks enforces assign_timeout: an ASSIGNED run that has not
// transitioned to RUNNING (via openTask) within assignTimeout is
// overridden and its task returned to FREE, with a soft refusal recorded
// against the offending host so do_schedule skips that host for the task
// while the refusal lasts. The freed task is first considered on the next
// tick, since this tick's free-task snapshot was taken before it was freed.
// ASSIGNED runs are overridden here whatever their host's heartbeat;
// RUNNING runs of a host whose heartbeat is stale are left to
// registry.CheckHosts, which overrides the whole host's runs at once.
func CheckActiveTasks(ctx context.Context, s store.Store, snap *Snapshot, now time.Time, assignTimeout time.Duration) error {
	for _, r := range snap.ActiveRuns {
		if r.State != model.RunAssigned {
			continue
		}
		if now.Sub(r.CreateTS) <= assignTimeout {
			continue
		}

		tx, err := s.Begin(ctx)
		if err != nil {
			return err
		}
		if err := s.SetRunState(ctx, tx, r.ID, model.RunOverride); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		if err := s.SetTaskFree(ctx, r.TaskID); err != nil {
			return err
		}

		refusal := &model.Refusal{
			HostID:  r.HostID,
			TaskID:  r.TaskID,
			Soft:    true,
			ByHost:  false,
			Message: "assign_timeout exceeded before task was opened",
			TS:      now,
		}
		if err := s.SetRefusal(ctx, refusal); err != nil {
			return err
		}

		log.Printf("taskpool: run %d for task %d on host %d exceeded assign_timeout, returning task to FREE",
			r.ID, r.TaskID, r.HostID)
		observability.AssignTimeoutsTotal.Inc()
	}

	return nil
}
