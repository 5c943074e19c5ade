package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func sampleRequest(id, run string, u escalation.Urgency, created time.Time) *Request {
	return &Request{
		ID:             id,
		RunID:          run,
		Reason:         "retry ladder exhausted",
		Classification: escalation.ClassTimeout,
		Urgency:        u,
		Options:        []string{"manual_intervention", "change_strategy", "abort_task"},
		Status:         StatusWaiting,
		CreatedAt:      created,
		ExpiresAt:      created.Add(15 * time.Minute),
		Metadata:       map[string]string{"url": "https://shop.example/checkout"},
	}
}

// exerciseStore 对任意 Store 实现跑同一组行为检查.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	a := sampleRequest("a", "run-1", escalation.UrgencyNormal, base)
	b := sampleRequest("b", "run-1", escalation.UrgencyUrgent, base.Add(time.Second))
	c := sampleRequest("c", "run-2", escalation.UrgencyHigh, base.Add(2*time.Second))
	for _, r := range []*Request{a, b, c} {
		require.NoError(t, store.Save(ctx, r))
	}

	t.Run("Load", func(t *testing.T) {
		got, err := store.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, a.Options, got.Options)
		assert.Equal(t, "https://shop.example/checkout", got.Metadata["url"])
		assert.True(t, got.ExpiresAt.Equal(a.ExpiresAt))

		_, err = store.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrStoreNotFound)
	})

	t.Run("Update to terminal", func(t *testing.T) {
		now := base.Add(time.Minute)
		b.Status = StatusResponded
		b.ResolvedAt = &now
		b.Response = &HumanResponse{HandoffID: "b", Action: "manual_intervention", Comment: "done", OperatorID: "alice", RespondedAt: now}
		require.NoError(t, store.Update(ctx, b))

		got, err := store.Load(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, StatusResponded, got.Status)
		require.NotNil(t, got.Response)
		assert.Equal(t, "alice", got.Response.OperatorID)
		assert.Equal(t, "manual_intervention", got.Response.Action)
	})

	t.Run("List", func(t *testing.T) {
		waiting, err := store.List(ctx, Filter{Status: StatusWaiting})
		require.NoError(t, err)
		require.Len(t, waiting, 2)
		assert.Equal(t, "c", waiting[0].ID, "high before normal")
		assert.Equal(t, "a", waiting[1].ID)

		responded, err := store.List(ctx, Filter{Status: StatusResponded})
		require.NoError(t, err)
		require.Len(t, responded, 1)
		assert.Equal(t, "b", responded[0].ID)

		byRun, err := store.List(ctx, Filter{RunID: "run-1"})
		require.NoError(t, err)
		assert.Len(t, byRun, 2)

		urgent, err := store.List(ctx, Filter{Urgency: escalation.UrgencyUrgent})
		require.NoError(t, err)
		assert.Len(t, urgent, 1)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "test:", time.Hour)
	require.NoError(t, store.Ping(context.Background()))
	exerciseStore(t, store)

	t.Run("terminal requests get a ttl", func(t *testing.T) {
		assert.Greater(t, mr.TTL("test:handoff:data:b"), time.Duration(0))
		assert.Zero(t, mr.TTL("test:handoff:data:a"))
	})

	t.Run("stale index members are pruned", func(t *testing.T) {
		mr.Del("test:handoff:data:b")
		responded, err := store.List(context.Background(), Filter{Status: StatusResponded})
		require.NoError(t, err)
		assert.Empty(t, responded)
		members, _ := mr.ZMembers("test:handoff:status:responded")
		assert.Empty(t, members)
	})
}

func TestGormStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	store := NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
	exerciseStore(t, store)
}

func TestRegistry_WithRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	r := NewRegistry(DefaultRegistryConfig(), NewRedisStore(client, "", time.Hour), nil)
	req := r.Create(ctx, NewRequest{RunID: "run-9", Urgency: escalation.UrgencyHigh, Options: []string{"abort_task"}})
	_, err = r.Respond(ctx, req.ID, "abort_task", "not worth it", "carol")
	require.NoError(t, err)

	stored, err := NewRedisStore(client, "", time.Hour).Load(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, stored.Status)
	assert.Equal(t, "carol", stored.Response.OperatorID)
}
