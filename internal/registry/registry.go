// Package registry is the Host Registry (spec.md §4.A): it snapshots
// enabled hosts for one tick, builds the bin index, and sweeps hosts whose
// heartbeat has gone stale.
package registry

import (
	"context"
	"log"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/observability"
	"github.com/koji-project/hub/internal/store"
)

// Snapshot is the per-tick view of host state the loop consults. It is
// built once at the start of a tick and never re-queried mid-tick; the
// loop keeps this tick's pending weight and assignment counts in its own
// bookkeeping (pendingWeight in internal/schedloop) and does not modify
// the Host values held here.
type Snapshot struct {
	ByID  map[int64]*model.Host
	ByBin map[string][]*model.Host

	// PendingAssignments is allocated empty by Load and not filled in; the
	// per-tick maxjobs count is kept by internal/schedloop's pendingWeight.
	PendingAssignments map[int64]int

	now                time.Time
	readyTimeout       time.Duration
	hostTimeout        time.Duration
	capacityOvercommit float64
}

// Load builds a fresh snapshot from the durable store.
func Load(ctx context.Context, s store.Store, now time.Time, readyTimeout, hostTimeout time.Duration, capacityOvercommit float64) (*Snapshot, error) {
	hosts, err := s.ListEnabledHosts(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ByID:               make(map[int64]*model.Host, len(hosts)),
		ByBin:              make(map[string][]*model.Host),
		PendingAssignments: make(map[int64]int, len(hosts)),
		now:                now,
		readyTimeout:       readyTimeout,
		hostTimeout:        hostTimeout,
		capacityOvercommit: capacityOvercommit,
	}

	eligibleCount := 0
	for _, h := range hosts {
		h.CapacityOvercommit = capacityOvercommit
		snap.ByID[h.ID] = h

		for _, ch := range h.Channels {
			snap.ByBin[model.NoarchBin(ch)] = append(snap.ByBin[model.NoarchBin(ch)], h)
			for _, arch := range h.Arches {
				snap.ByBin[model.BinKey(ch, arch)] = append(snap.ByBin[model.BinKey(ch, arch)], h)
			}
		}

		if snap.Eligible(h) {
			eligibleCount++
		}
	}
	observability.HostsEligibleGauge.Set(float64(eligibleCount))

	return snap, nil
}

// Eligible reports whether a host may receive a new assignment this tick.
// Hosts that are ready-but-stale or not-ready-but-recently-seen still
// appear in ByID/ByBin (so in-flight runs stay observable); only Eligible
// hosts are candidates in do_schedule.
func (s *Snapshot) Eligible(h *model.Host) bool {
	if !h.Ready || !h.Enabled {
		return false
	}
	if s.now.Sub(h.LastUpdate) > s.hostTimeout {
		return false
	}
	// ready_timeout: a host that has not heartbeat within ready_timeout is
	// treated as not-ready for new assignment, even though its Ready flag
	// has not yet been flipped by an out-of-band process.
	if s.now.Sub(h.LastUpdate) > s.readyTimeout {
		return false
	}
	return true
}

// CandidatesForBin returns the eligible hosts for a task's bin, including
// the synthetic noarch bin for noarch tasks.
func (s *Snapshot) CandidatesForBin(task *model.Task) []*model.Host {
	var bin string
	if task.IsNoarch() {
		bin = model.NoarchBin(task.ChannelID)
	} else {
		bin = task.Bin()
	}

	hosts := s.ByBin[bin]
	out := make([]*model.Host, 0, len(hosts))
	for _, h := range hosts {
		if s.Eligible(h) {
			out = append(out, h)
		}
	}
	return out
}

// EvictedTask describes a task whose active run was overridden by a host
// eviction, so the caller can attempt reassignment in the same tick.
type EvictedTask struct {
	TaskID int64
	HostID int64
}

// CheckHosts sweeps hosts whose last_update is older than host_timeout:
// their active TaskRuns are marked OVERRIDE and the underlying tasks
// returned to FREE so another host can take them. Per spec.md §9, the
// TaskRun is ground truth, so we also reconcile the task row's host_id in
// the same pass as a side effect of writing it back to FREE (host_id is
// cleared on SetTaskFree).
func CheckHosts(ctx context.Context, s store.Store, snap *Snapshot, now time.Time, hostTimeout time.Duration) ([]EvictedTask, error) {
	var evicted []EvictedTask

	runs, err := s.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}

	for _, h := range snap.ByID {
		if now.Sub(h.LastUpdate) <= hostTimeout {
			continue
		}

		for _, r := range runs {
			if r.HostID != h.ID {
				continue
			}
			tx, err := s.Begin(ctx)
			if err != nil {
				return nil, err
			}
			if err := s.SetRunState(ctx, tx, r.ID, model.RunOverride); err != nil {
				tx.Rollback(ctx)
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			if err := s.SetTaskFree(ctx, r.TaskID); err != nil {
				return nil, err
			}

			log.Printf("registry: host %d (%s) heartbeat stale (last_update=%s), overriding run %d for task %d",
				h.ID, h.Name, h.LastUpdate, r.ID, r.TaskID)
			observability.HostsEvictedTotal.Inc()
			evicted = append(evicted, EvictedTask{TaskID: r.TaskID, HostID: h.ID})
		}
	}

	return evicted, nil
}
