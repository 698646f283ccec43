// Package refusal is the Refusal Ledger (spec.md §4.E): it records hosts'
// declines of tasks and filters them for the scheduling pass. Expired soft
// refusals are ignored by queries, not deleted — they only leave the
// ledger once the owning task reaches a terminal state — mirroring
// FluxForge's idempotency-key convention of "ignore, don't delete" so
// operators retain recent history for diagnosis.
package refusal

import (
	"context"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/observability"
	"github.com/koji-project/hub/internal/store"
)

// Record persists a host's refusal of a task.
func Record(ctx context.Context, s store.Store, r *model.Refusal) error {
	if err := s.SetRefusal(ctx, r); err != nil {
		return err
	}
	observability.RefusalsTotal.WithLabelValues(boolLabel(r.Soft), boolLabel(r.ByHost)).Inc()
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ActiveHosts returns the set of host IDs that currently refuse a task:
// hard refusals always count, soft refusals only until softRefusalTimeout
// elapses since they were recorded.
func ActiveHosts(ctx context.Context, s store.Store, taskID int64, now time.Time, softRefusalTimeout time.Duration) (map[int64]bool, error) {
	refusals, err := s.RefusalsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	active := make(map[int64]bool, len(refusals))
	for _, r := range refusals {
		if r.Active(now, softRefusalTimeout) {
			active[r.HostID] = true
		}
	}
	return active, nil
}

// PurgeTerminal removes every refusal recorded against a task once it
// reaches a terminal state (CLOSED, CANCELED, FAILED). Callers must not
// invoke this for a task that might still be reassigned.
func PurgeTerminal(ctx context.Context, s store.Store, taskID int64) error {
	return s.PurgeRefusalsForTask(ctx, taskID)
}
