// Package store is the durable-persistence boundary for the scheduler. A
// single PostgreSQL-backed implementation is the source of truth; Redis
// only mirrors scheduler_host_data for fast reads (see RedisHostDataCache).
package store

import (
	"context"
	"time"

	"github.com/koji-project/hub/internal/model"
)

// Store is the subset of the hub's durable storage the scheduler core
// needs. The rest of koji's schema (builds, rpms, tags, users, ...) is an
// external collaborator and is not modeled here.
type Store interface {
	// Hosts
	ListEnabledHosts(ctx context.Context) ([]*model.Host, error)
	GetHost(ctx context.Context, hostID int64) (*model.Host, error)
	UpdateHostHeartbeat(ctx context.Context, hostID int64, t time.Time) error

	// Tasks
	FreeTasks(ctx context.Context) ([]*model.Task, error)
	GetTaskForUpdate(ctx context.Context, tx Tx, taskID int64) (*model.Task, error)
	SetTaskFree(ctx context.Context, taskID int64) error
	SetTaskAssigned(ctx context.Context, tx Tx, taskID int64, hostID int64) error
	SetTaskHostID(ctx context.Context, taskID int64, hostID int64) error

	// Task runs
	ActiveRuns(ctx context.Context) ([]*model.TaskRun, error)
	GetActiveRunForUpdate(ctx context.Context, tx Tx, taskID int64) (*model.TaskRun, error)
	InsertRun(ctx context.Context, tx Tx, taskID, hostID int64, state model.RunState) (*model.TaskRun, error)
	SetRunState(ctx context.Context, tx Tx, runID int64, state model.RunState) error
	OpenRun(ctx context.Context, runID int64, t time.Time) error

	// Refusals
	SetRefusal(ctx context.Context, r *model.Refusal) error
	RefusalsForTask(ctx context.Context, taskID int64) ([]*model.Refusal, error)
	PurgeRefusalsForTask(ctx context.Context, taskID int64) error

	// Host data
	SetHostData(ctx context.Context, hostID int64, data map[string]interface{}) error
	GetHostData(ctx context.Context, hostID int64) (*model.HostData, error)

	// Log
	AppendLog(ctx context.Context, msg *model.LogMessage) error
	GetLogMessages(ctx context.Context, taskID *int64, hostID *int64, limit int) ([]*model.LogMessage, error)

	// Scheduler tick bookkeeping
	GetLastRunTS(ctx context.Context) (time.Time, error)
	SetLastRunTS(ctx context.Context, t time.Time) error

	// Transactions + advisory lock
	Begin(ctx context.Context) (Tx, error)
	TryAdvisoryLock(ctx context.Context, name string) (Lock, bool, error)
}

// Tx is a narrow transaction handle so internal/assign and internal/store
// callers don't need to import pgx directly.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Lock represents a held Postgres advisory lock. Release must be called
// exactly once, whether or not the tick succeeded.
type Lock interface {
	Release(ctx context.Context) error
}
