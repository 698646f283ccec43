package refusal

import (
	"context"
	"testing"
	"time"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/store/storetest"
)

func TestActiveHostsHardRefusalNeverExpires(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	now := time.Now()

	if err := Record(ctx, s, &model.Refusal{HostID: 1, TaskID: 100, Soft: false, ByHost: true, TS: now.Add(-24 * time.Hour)}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	active, err := ActiveHosts(ctx, s, 100, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("ActiveHosts: %v", err)
	}
	if !active[1] {
		t.Errorf("expected hard refusal from host 1 to still be active")
	}
}

func TestActiveHostsSoftRefusalExpires(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	now := time.Now()

	if err := Record(ctx, s, &model.Refusal{HostID: 1, TaskID: 100, Soft: true, TS: now.Add(-10 * time.Minute)}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	active, err := ActiveHosts(ctx, s, 100, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("ActiveHosts: %v", err)
	}
	if active[1] {
		t.Errorf("expected soft refusal older than the timeout to no longer suppress host 1")
	}
}

func TestActiveHostsSoftRefusalWithinWindow(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	now := time.Now()

	if err := Record(ctx, s, &model.Refusal{HostID: 1, TaskID: 100, Soft: true, TS: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	active, err := ActiveHosts(ctx, s, 100, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("ActiveHosts: %v", err)
	}
	if !active[1] {
		t.Errorf("expected recent soft refusal to still suppress host 1")
	}
}

func TestPurgeTerminalRemovesRefusals(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	now := time.Now()

	if err := Record(ctx, s, &model.Refusal{HostID: 1, TaskID: 100, Soft: true, TS: now}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := PurgeTerminal(ctx, s, 100); err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}

	active, err := ActiveHosts(ctx, s, 100, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("ActiveHosts: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no refusals after purge, got %+v", active)
	}
}
