package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// WorkflowUpdateChannel carries step-transition notifications for external
// consumers (the Admin UI subscribes here).
const WorkflowUpdateChannel = "workflow-updates"

// RedisStore wraps a redis client used for the non-authoritative media-buy
// cache and the workflow update pub/sub channel.
type RedisStore struct {
	Client *redis.Client
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{Client: redis.NewClient(&redis.Options{Addr: addr})}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// NewRedisStoreFromClient wraps an existing client. Used in tests with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

// CacheMediaBuy writes a media buy into the delivery cache. The cache is
// best-effort; the database row is always authoritative.
func (r *RedisStore) CacheMediaBuy(ctx context.Context, m *models.MediaBuy) {
	if r == nil || r.Client == nil {
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		zap.L().Error("marshal media buy for cache", zap.Error(err))
		return
	}
	key := fmt.Sprintf("mediabuy:%s:%s", m.TenantID, m.MediaBuyID)
	if err := r.Client.Set(ctx, key, b, 24*time.Hour).Err(); err != nil {
		zap.L().Warn("cache media buy", zap.Error(err), zap.String("media_buy_id", m.MediaBuyID))
	}
}

// GetCachedMediaBuy reads from the delivery cache. A miss returns nil, nil.
func (r *RedisStore) GetCachedMediaBuy(ctx context.Context, tenantID, mediaBuyID string) (*models.MediaBuy, error) {
	if r == nil || r.Client == nil {
		return nil, nil
	}
	key := fmt.Sprintf("mediabuy:%s:%s", tenantID, mediaBuyID)
	b, err := r.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m models.MediaBuy
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse cached media buy: %w", err)
	}
	return &m, nil
}

// WorkflowUpdate is the pub/sub message emitted on step transitions.
type WorkflowUpdate struct {
	StepID   string `json:"step_id"`
	TenantID string `json:"tenant_id"`
	StepType string `json:"step_type"`
	Status   string `json:"status"`
}

// PublishWorkflowUpdate broadcasts a step transition. Best effort.
func (r *RedisStore) PublishWorkflowUpdate(ctx context.Context, u WorkflowUpdate) {
	if r == nil || r.Client == nil {
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		zap.L().Error("marshal workflow update", zap.Error(err))
		return
	}
	if err := r.Client.Publish(ctx, WorkflowUpdateChannel, payload).Err(); err != nil {
		zap.L().Error("publish workflow update", zap.Error(err))
	}
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
