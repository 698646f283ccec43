package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koji-project/hub/internal/model"
	"github.com/koji-project/hub/internal/observability"
)

// hostDataKey mirrors FluxForge's store/keys.go tenant-key convention, but
// the scheduler has no tenants — only hosts.
func hostDataKey(hostID int64) string {
	return fmt.Sprintf("koji:hostdata:%d", hostID)
}

// RedisHostDataCache mirrors scheduler_host_data writes into Redis so
// GetHostData reads (the host API's host-data lookup) can be served without
// round tripping Postgres under load. The registry snapshot a tick builds
// reads only the host table and does not consult host data. Postgres
// remains authoritative: a cache miss or a read error falls back to the
// wrapped Store.
type RedisHostDataCache struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHostDataCache wraps an existing Store, mirroring SetHostData
// writes and serving GetHostData reads from Redis when possible.
func NewRedisHostDataCache(next Store, client *redis.Client, ttl time.Duration) *RedisHostDataCache {
	return &RedisHostDataCache{next: next, client: client, ttl: ttl}
}

func (c *RedisHostDataCache) SetHostData(ctx context.Context, hostID int64, data map[string]interface{}) error {
	if err := c.next.SetHostData(ctx, hostID, data); err != nil {
		return err
	}

	bytes, err := json.Marshal(data)
	if err != nil {
		return nil // Postgres write already succeeded; cache mirroring is best-effort.
	}
	start := time.Now()
	err = c.client.Set(ctx, hostDataKey(hostID), bytes, c.ttl).Err()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.EventPublishFailures.WithLabelValues("host_data_mirror", "redis_set").Inc()
	}
	return nil
}

func (c *RedisHostDataCache) GetHostData(ctx context.Context, hostID int64) (*model.HostData, error) {
	start := time.Now()
	raw, err := c.client.Get(ctx, hostDataKey(hostID)).Bytes()
	observability.RedisLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		var data map[string]interface{}
		if jerr := json.Unmarshal(raw, &data); jerr == nil {
			return &model.HostData{HostID: hostID, Data: data}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		observability.EventPublishFailures.WithLabelValues("host_data_mirror", "redis_get").Inc()
	}

	// Miss or decode failure: fall back to Postgres and repopulate the cache.
	hd, err := c.next.GetHostData(ctx, hostID)
	if err != nil || hd == nil {
		return hd, err
	}
	if bytes, merr := json.Marshal(hd.Data); merr == nil {
		c.client.Set(ctx, hostDataKey(hostID), bytes, c.ttl)
	}
	return hd, nil
}

// The remaining Store methods pass straight through to the wrapped store.

func (c *RedisHostDataCache) ListEnabledHosts(ctx context.Context) ([]*model.Host, error) {
	return c.next.ListEnabledHosts(ctx)
}
func (c *RedisHostDataCache) GetHost(ctx context.Context, hostID int64) (*model.Host, error) {
	return c.next.GetHost(ctx, hostID)
}
func (c *RedisHostDataCache) UpdateHostHeartbeat(ctx context.Context, hostID int64, t time.Time) error {
	return c.next.UpdateHostHeartbeat(ctx, hostID, t)
}
func (c *RedisHostDataCache) FreeTasks(ctx context.Context) ([]*model.Task, error) {
	return c.next.FreeTasks(ctx)
}
func (c *RedisHostDataCache) GetTaskForUpdate(ctx context.Context, tx Tx, taskID int64) (*model.Task, error) {
	return c.next.GetTaskForUpdate(ctx, tx, taskID)
}
func (c *RedisHostDataCache) SetTaskFree(ctx context.Context, taskID int64) error {
	return c.next.SetTaskFree(ctx, taskID)
}
func (c *RedisHostDataCache) SetTaskAssigned(ctx context.Context, tx Tx, taskID int64, hostID int64) error {
	return c.next.SetTaskAssigned(ctx, tx, taskID, hostID)
}
func (c *RedisHostDataCache) SetTaskHostID(ctx context.Context, taskID int64, hostID int64) error {
	return c.next.SetTaskHostID(ctx, taskID, hostID)
}
func (c *RedisHostDataCache) ActiveRuns(ctx context.Context) ([]*model.TaskRun, error) {
	return c.next.ActiveRuns(ctx)
}
func (c *RedisHostDataCache) GetActiveRunForUpdate(ctx context.Context, tx Tx, taskID int64) (*model.TaskRun, error) {
	return c.next.GetActiveRunForUpdate(ctx, tx, taskID)
}
func (c *RedisHostDataCache) InsertRun(ctx context.Context, tx Tx, taskID, hostID int64, state model.RunState) (*model.TaskRun, error) {
	return c.next.InsertRun(ctx, tx, taskID, hostID, state)
}
func (c *RedisHostDataCache) SetRunState(ctx context.Context, tx Tx, runID int64, state model.RunState) error {
	return c.next.SetRunState(ctx, tx, runID, state)
}
func (c *RedisHostDataCache) OpenRun(ctx context.Context, runID int64, t time.Time) error {
	return c.next.OpenRun(ctx, runID, t)
}
func (c *RedisHostDataCache) SetRefusal(ctx context.Context, r *model.Refusal) error {
	return c.next.SetRefusal(ctx, r)
}
func (c *RedisHostDataCache) RefusalsForTask(ctx context.Context, taskID int64) ([]*model.Refusal, error) {
	return c.next.RefusalsForTask(ctx, taskID)
}
func (c *RedisHostDataCache) PurgeRefusalsForTask(ctx context.Context, taskID int64) error {
	return c.next.PurgeRefusalsForTask(ctx, taskID)
}
func (c *RedisHostDataCache) AppendLog(ctx context.Context, msg *model.LogMessage) error {
	return c.next.AppendLog(ctx, msg)
}
func (c *RedisHostDataCache) GetLogMessages(ctx context.Context, taskID *int64, hostID *int64, limit int) ([]*model.LogMessage, error) {
	return c.next.GetLogMessages(ctx, taskID, hostID, limit)
}
func (c *RedisHostDataCache) GetLastRunTS(ctx context.Context) (time.Time, error) {
	return c.next.GetLastRunTS(ctx)
}
func (c *RedisHostDataCache) SetLastRunTS(ctx context.Context, t time.Time) error {
	return c.next.SetLastRunTS(ctx, t)
}
func (c *RedisHostDataCache) Begin(ctx context.Context) (Tx, error) { return c.next.Begin(ctx) }
func (c *RedisHostDataCache) TryAdvisoryLock(ctx context.Context, name string) (Lock, bool, error) {
	return c.next.TryAdvisoryLock(ctx, name)
}
