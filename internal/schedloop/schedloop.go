// Package schedloop is the Scheduler Loop (spec.md §4.C): the single
// ticker-driven process that owns scheduling for the whole hub. Only one
// hub process may run a tick at a time, enforced by a Postgres advisory
// lock rather than the cross-process leader election or epoch fencing a
// multi-replica control plane would use — spec.md §5 requires a single
// writer with no cross-hub replication, and §9 suggests advisory locks as
// the substitute. The tick/ticker/panic-recovery shape otherwise follows
// FluxForge's scheduler.worker()/poller() loop.
package schedloop

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/koji-project/hub/internal/assign"
	"github.com/koji-project/hub/internal/config"
	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/observability"
	"github.com/koji-project/hub/internal/refusal"
	"github.com/koji-project/hub/internal/registry"
	"github.com/koji-project/hub/internal/schederr"
	"github.com/koji-project/hub/internal/store"
	"github.com/koji-project/hub/internal/streaming"
	"github.com/koji-project/hub/internal/taskpool"
)

const advisoryLockName = "scheduler"

// Loop drives the scheduler tick on an interval.
type Loop struct {
	store store.Store
	cfg   config.Config
	feed  *streaming.Hub // optional; nil disables dashboard event publishing
}

// NewLoop constructs a Loop over the given store and config. feed may be
// nil if no dashboard websocket feed is wired up.
func NewLoop(s store.Store, cfg config.Config, feed *streaming.Hub) *Loop {
	return &Loop{store: s, cfg: cfg, feed: feed}
}

func (l *Loop) publish(eventType string, payload interface{}) {
	if l.feed == nil {
		return
	}
	l.feed.Publish(streaming.Event{Type: eventType, TS: time.Now(), Payload: payload})
}

// Run blocks, ticking until ctx is canceled. Each tick recovers from
// panics so one bad task never takes the whole hub down.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("schedloop: stopping (context canceled)")
			return
		case <-ticker.C:
			l.safeTick(ctx, false)
		}
	}
}

// RunNow forces an immediate tick for the administrative doRun(force)
// hook: force bypasses the run_interval gate, but the advisory lock is
// still required, so a forced tick and a concurrent natural tick never
// both schedule: whichever takes the lock first runs, the other is
// skipped as lock_busy.
func (l *Loop) RunNow(ctx context.Context, force bool) {
	l.safeTick(ctx, force)
}

func (l *Loop) safeTick(ctx context.Context, force bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("schedloop: CRITICAL: tick panicked: %v", r)
		}
	}()

	start := time.Now()
	outcome := l.tick(ctx, start, force)
	observability.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	observability.SchedulerTicksTotal.WithLabelValues(outcome).Inc()
}

// tick runs one scheduling pass and returns an outcome label for metrics.
func (l *Loop) tick(ctx context.Context, now time.Time, force bool) string {
	lock, acquired, err := l.store.TryAdvisoryLock(ctx, advisoryLockName)
	if err != nil {
		log.Printf("schedloop: advisory lock error: %v", err)
		return "lock_error"
	}
	if !acquired {
		// Another hub process is mid-tick. Not an error: spec.md §5 expects
		// this to happen whenever two hub processes race a tick boundary.
		return "lock_busy"
	}
	observability.LockHeldGauge.Set(1)
	defer func() {
		observability.LockHeldGauge.Set(0)
		if err := lock.Release(ctx); err != nil {
			log.Printf("schedloop: failed to release advisory lock: %v", err)
		}
	}()

	lastRun, err := l.store.GetLastRunTS(ctx)
	if err != nil {
		log.Printf("schedloop: get last run ts: %v", err)
		return "error"
	}
	if !force && !lastRun.IsZero() && now.Sub(lastRun) < l.cfg.RunInterval {
		return "interval_gate"
	}

	if err := l.runOnce(ctx, now); err != nil {
		log.Printf("schedloop: tick failed: %v", err)
		return "error"
	}

	if err := l.store.SetLastRunTS(ctx, now); err != nil {
		log.Printf("schedloop: set last run ts: %v", err)
		return "error"
	}

	return "ran"
}

func (l *Loop) runOnce(ctx context.Context, now time.Time) error {
	hostSnap, err := registry.Load(ctx, l.store, now, l.cfg.ReadyTimeout, l.cfg.HostTimeout, l.cfg.CapacityOvercommit)
	if err != nil {
		return &schederr.DatabaseError{Op: "schedloop.load_hosts", Err: err}
	}

	taskSnap, err := taskpool.Load(ctx, l.store)
	if err != nil {
		return &schederr.DatabaseError{Op: "schedloop.load_tasks", Err: err}
	}

	if err := taskpool.CheckActiveTasks(ctx, l.store, taskSnap, now, l.cfg.AssignTimeout); err != nil {
		return &schederr.DatabaseError{Op: "schedloop.check_active_tasks", Err: err}
	}

	evicted, err := registry.CheckHosts(ctx, l.store, hostSnap, now, l.cfg.HostTimeout)
	if err != nil {
		return &schederr.DatabaseError{Op: "schedloop.check_hosts", Err: err}
	}
	// Evicted tasks are already written back to FREE in the store; they are
	// picked up by next tick's taskpool.Load rather than spliced into this
	// tick's in-memory snapshot, since we only have their ID here.
	if len(evicted) > 0 {
		log.Printf("schedloop: %d task(s) freed by stale-host eviction, will be considered next tick", len(evicted))
		for _, e := range evicted {
			l.publish("overridden", e)
		}
	}

	// The TaskRun is ground truth for which host holds a task: write each
	// still-active run's host_id back onto its task row before scheduling.
	activeRuns, err := l.store.ActiveRuns(ctx)
	if err != nil {
		return &schederr.DatabaseError{Op: "schedloop.reconcile_host_ids", Err: err}
	}
	for _, r := range activeRuns {
		if err := l.store.SetTaskHostID(ctx, r.TaskID, r.HostID); err != nil {
			return &schederr.DatabaseError{Op: "schedloop.reconcile_host_ids", Err: err}
		}
	}

	l.doSchedule(ctx, hostSnap, taskSnap, now)

	return nil
}

// pendingWeight tracks the per-tick in-memory load each host has already
// been assigned, so consecutive tasks in the same tick see an updated
// projected ratio without re-querying the store.
type pendingWeight struct {
	weight map[int64]float64
	count  map[int64]int
}

// doSchedule ranks eligible hosts for each free task by ascending
// projected load ratio — (current task_load + this tick's pending weight)
// over (capacity + overcommit) — breaking ties toward the most recently
// seen heartbeat, and assigns the winner. Tasks with no eligible,
// unrefused, under-capacity, under-maxjobs host are left FREE for the
// next tick.
func (l *Loop) doSchedule(ctx context.Context, hostSnap *registry.Snapshot, taskSnap *taskpool.Snapshot, now time.Time) {
	pw := &pendingWeight{weight: make(map[int64]float64), count: make(map[int64]int)}

	for _, task := range taskSnap.Free {
		weight := task.Weight
		if weight == 0 {
			weight = l.cfg.DefaultWeights[task.Method]
		}

		refused, err := refusal.ActiveHosts(ctx, l.store, task.ID, now, l.cfg.SoftRefusalTimeout)
		if err != nil {
			log.Printf("schedloop: refusal lookup failed for task %d: %v", task.ID, err)
			continue
		}

		candidates := hostSnap.CandidatesForBin(task)
		best := pickBest(candidates, refused, pw, l.cfg.MaxJobs, weight)
		if best == nil {
			observability.NoCandidatesTotal.Inc()
			nc := &schederr.NoCandidates{TaskID: task.ID}
			log.Print(nc.String())
			l.publish("no_candidates", nc)
			continue
		}

		run, err := assign.Assign(ctx, l.store, task.ID, best.ID, false, false)
		if err != nil {
			if _, ok := err.(*schederr.TaskAlreadyAssigned); ok {
				// Lost a race (e.g. a host-initiated refusal/claim landed
				// first); leave it for the next tick.
				log.Printf("schedloop: task %d host %d: %v, skipping", task.ID, best.ID, err)
				continue
			}
			log.Printf("schedloop: assign task %d to host %d failed: %v", task.ID, best.ID, err)
			continue
		}
		l.publish("assigned", run)

		pw.weight[best.ID] += weight
		pw.count[best.ID]++
	}
}

// pickBest ranks candidates for a task whose resolved weight is `weight`.
// A host is excluded if placing this task would push its projected load
// (current load + this tick's pending weight + this task's own weight)
// past capacity + overcommit — spec.md §4.C(ii).
func pickBest(candidates []*model.Host, refused map[int64]bool, pw *pendingWeight, maxJobs int, weight float64) *model.Host {
	eligible := make([]*model.Host, 0, len(candidates))
	for _, h := range candidates {
		if refused[h.ID] {
			continue
		}
		if pw.count[h.ID] >= maxJobs {
			continue
		}
		projected := h.TaskLoad + pw.weight[h.ID] + weight
		if projected > h.Capacity+h.CapacityOvercommit {
			continue
		}
		eligible = append(eligible, h)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		ri := ratio(eligible[i], pw)
		rj := ratio(eligible[j], pw)
		if ri != rj {
			return ri < rj
		}
		return eligible[i].LastUpdate.After(eligible[j].LastUpdate)
	})
	return eligible[0]
}

func ratio(h *model.Host, pw *pendingWeight) float64 {
	capacity := h.Capacity + h.CapacityOvercommit
	if capacity <= 0 {
		return 1e18 // degenerate zero-capacity host sorts last
	}
	return (h.TaskLoad + pw.weight[h.ID]) / capacity
}
