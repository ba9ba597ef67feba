package cache

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, prefix string) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, prefix), mr
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "webhook_event:evt_1", WebhookEventKey("evt_1"))
	assert.Equal(t, "user_plan:user_1", UserPlanKey("user_1"))
	assert.Equal(t, "cron_lock:reconcile_subscriptions", CronLockKey("reconcile_subscriptions"))
}

func TestCache_SetNX_OnlyFirstClaimWins(t *testing.T) {
	c, mr := newTestCache(t, "")
	ctx := context.Background()

	ok, err := c.SetNX(ctx, WebhookEventKey("evt_1"), "1", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, WebhookEventKey("evt_1"), "1", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 24*time.Hour, mr.TTL("webhook_event:evt_1"))
}

func TestCache_SetNX_AfterExpiry(t *testing.T) {
	c, mr := newTestCache(t, "")
	ctx := context.Background()

	_, err := c.SetNX(ctx, "k", "1", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	ok, err := c.SetNX(ctx, "k", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_GetSetDelete(t *testing.T) {
	c, _ := newTestCache(t, "")
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, UserPlanKey("u1"), []byte(`{"tier":"pro"}`), time.Hour))
	v, found, err := c.Get(ctx, UserPlanKey("u1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"tier":"pro"}`, string(v))

	require.NoError(t, c.Delete(ctx, UserPlanKey("u1"), "never-existed"))
	_, found, err = c.Get(ctx, UserPlanKey("u1"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Delete(ctx))
}

func TestCache_Prefix(t *testing.T) {
	c, mr := newTestCache(t, "staging:")

	require.NoError(t, c.Set(context.Background(), "a", []byte("1"), 0))
	assert.True(t, mr.Exists("staging:a"))
	assert.False(t, mr.Exists("a"))
}

func TestCache_ErrorsWhenUnavailable(t *testing.T) {
	c, mr := newTestCache(t, "")
	mr.Close()

	_, err := c.SetNX(context.Background(), "k", "v", time.Minute)
	require.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))
}

func TestLocker_AcquireRelease(t *testing.T) {
	c, mr := newTestCache(t, "")
	l := NewLocker(c, nil)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "reconcile_subscriptions", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, mr.TTL("cron_lock:reconcile_subscriptions"))

	_, ok, err = l.Acquire(ctx, "reconcile_subscriptions", 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must skip while the lock is held")

	release()
	assert.False(t, mr.Exists("cron_lock:reconcile_subscriptions"))

	_, ok, err = l.Acquire(ctx, "reconcile_subscriptions", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_ReleaseKeepsForeignLock(t *testing.T) {
	c, mr := newTestCache(t, "")
	l := NewLocker(c, nil)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "expire_grace_periods", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The lock expired and another worker took it.
	mr.FastForward(2 * time.Minute)
	_, ok, err = l.Acquire(ctx, "expire_grace_periods", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.True(t, mr.Exists("cron_lock:expire_grace_periods"))
}

func TestLocker_ReleaseFailureIsLogged(t *testing.T) {
	c, mr := newTestCache(t, "")
	var logs bytes.Buffer
	l := NewLocker(c, slog.New(slog.NewJSONHandler(&logs, nil)))

	release, ok, err := l.Acquire(context.Background(), "send_cancellation_reminders", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.Close()
	release()

	assert.Contains(t, logs.String(), `"msg":"failed to release job lock"`)
	assert.Contains(t, logs.String(), `"lock_key":"cron_lock:send_cancellation_reminders"`)
	assert.Contains(t, logs.String(), `"level":"WARN"`)
}
