package registry

import (
	"context"
	"testing"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/store/storetest"
)

func TestEligibleRequiresReadyEnabledFresh(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		h    *model.Host
		want bool
	}{
		{"ready+enabled+fresh", &model.Host{Ready: true, Enabled: true, LastUpdate: now}, true},
		{"not ready", &model.Host{Ready: false, Enabled: true, LastUpdate: now}, false},
		{"not enabled", &model.Host{Ready: true, Enabled: false, LastUpdate: now}, false},
		{"stale heartbeat", &model.Host{Ready: true, Enabled: true, LastUpdate: now.Add(-20 * time.Minute)}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			snap := &Snapshot{now: now, readyTimeout: 3 * time.Minute, hostTimeout: 15 * time.Minute}
			if got := snap.Eligible(c.h); got != c.want {
				t.Errorf("Eligible() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestCandidatesForBinIncludesNoarch(t *testing.T) {
	now := time.Now()
	host := &model.Host{ID: 1, Ready: true, Enabled: true, LastUpdate: now, Arches: []string{"x86_64"}, Channels: []int64{1}}
	snap := &Snapshot{
		now: now, readyTimeout: time.Hour, hostTimeout: time.Hour,
		ByBin: map[string][]*model.Host{
			model.BinKey(1, "x86_64"): {host},
			model.NoarchBin(1):        {host},
		},
	}

	arch := &model.Task{ChannelID: 1, Arch: "x86_64"}
	if got := snap.CandidatesForBin(arch); len(got) != 1 {
		t.Fatalf("arch task: got %d candidates, want 1", len(got))
	}

	noarch := &model.Task{ChannelID: 1, Arch: "noarch"}
	if got := snap.CandidatesForBin(noarch); len(got) != 1 {
		t.Fatalf("noarch task: got %d candidates, want 1", len(got))
	}
}

func TestCheckHostsEvictsStaleHostRuns(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()

	now := time.Now()
	staleHost := &model.Host{ID: 1, Name: "builder1", Ready: true, Enabled: true, LastUpdate: now.Add(-20 * time.Minute)}
	s.Hosts[1] = staleHost
	s.Tasks[100] = &model.Task{ID: 100, State: model.TaskAssigned}
	s.Runs[1] = &model.TaskRun{ID: 1, TaskID: 100, HostID: 1, State: model.RunRunning, CreateTS: now.Add(-30 * time.Minute)}

	snap, err := Load(ctx, s, now, time.Minute, 15*time.Minute, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	evicted, err := CheckHosts(ctx, s, snap, now, 15*time.Minute)
	if err != nil {
		t.Fatalf("CheckHosts: %v", err)
	}
	if len(evicted) != 1 || evicted[0].TaskID != 100 {
		t.Fatalf("expected task 100 evicted, got %+v", evicted)
	}
	if s.Runs[1].State != model.RunOverride {
		t.Errorf("run state = %s, want OVERRIDE", s.Runs[1].State)
	}
	if s.Tasks[100].State != model.TaskFree {
		t.Errorf("task state = %s, want FREE", s.Tasks[100].State)
	}
}
