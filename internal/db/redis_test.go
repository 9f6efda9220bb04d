package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

func redisFixture(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStoreFromClient(client)
}

func TestMediaBuyCacheRoundTrip(t *testing.T) {
	_, rs := redisFixture(t)
	ctx := context.Background()

	buy := &models.MediaBuy{
		MediaBuyID: "mb1", TenantID: "t1", PrincipalID: "adv1",
		Budget: 5000, Currency: "USD", Status: models.MediaBuyStatusActive,
		StartTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	rs.CacheMediaBuy(ctx, buy)

	got, err := rs.GetCachedMediaBuy(ctx, "t1", "mb1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, buy.MediaBuyID, got.MediaBuyID)
	assert.Equal(t, buy.Budget, got.Budget)
	assert.True(t, buy.StartTime.Equal(got.StartTime))
}

func TestMediaBuyCacheMissIsNil(t *testing.T) {
	_, rs := redisFixture(t)
	got, err := rs.GetCachedMediaBuy(context.Background(), "t1", "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMediaBuyCacheKeyedByTenant(t *testing.T) {
	_, rs := redisFixture(t)
	ctx := context.Background()

	rs.CacheMediaBuy(ctx, &models.MediaBuy{MediaBuyID: "mb1", TenantID: "t1"})

	got, err := rs.GetCachedMediaBuy(ctx, "t2", "mb1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNilStoreIsSafe(t *testing.T) {
	var rs *RedisStore
	rs.CacheMediaBuy(context.Background(), &models.MediaBuy{MediaBuyID: "mb1"})
	got, err := rs.GetCachedMediaBuy(context.Background(), "t1", "mb1")
	require.NoError(t, err)
	assert.Nil(t, got)
	rs.PublishWorkflowUpdate(context.Background(), WorkflowUpdate{StepID: "s1"})
}

func TestPublishWorkflowUpdate(t *testing.T) {
	mr, rs := redisFixture(t)
	ctx := context.Background()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	pubsub := sub.Subscribe(ctx, WorkflowUpdateChannel)
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	rs.PublishWorkflowUpdate(ctx, WorkflowUpdate{
		StepID: "step_1", TenantID: "t1",
		StepType: models.StepTypeMediaBuyCreation, Status: models.StepStatusCompleted,
	})

	msg, err := pubsub.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	m, ok := msg.(*redis.Message)
	require.True(t, ok)

	var update WorkflowUpdate
	require.NoError(t, json.Unmarshal([]byte(m.Payload), &update))
	assert.Equal(t, "step_1", update.StepID)
	assert.Equal(t, models.StepStatusCompleted, update.Status)
}
