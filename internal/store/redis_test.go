package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s, err := NewRedis(context.Background(), rdb, "test:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		s, _ := newTestRedis(t)
		return s
	})
}

func TestRedisScalarAncestorReplaced(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	require.NoError(t, s.Write(ctx, "a", "scalar"))
	require.NoError(t, s.Write(ctx, "a/b", 1))

	snap, err := s.Read(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":1}`, string(snap.Value))
}

func TestRedisArraysAreLeaves(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	pixels := [][]string{{"#ffffff", "#000000"}, {"#ff0000", "#00ff00"}}
	require.NoError(t, s.Write(ctx, "canvas/r1", map[string]any{"pixels": pixels, "width": 2}))

	assert.True(t, mr.Exists("test:leaves"))
	v := mr.HGet("test:leaves", "canvas/r1/pixels")
	assert.JSONEq(t, `[["#ffffff","#000000"],["#ff0000","#00ff00"]]`, v)

	snap, err := s.Read(ctx, "canvas/r1")
	require.NoError(t, err)
	var got struct {
		Pixels [][]string `json:"pixels"`
		Width  int        `json:"width"`
	}
	require.NoError(t, snap.Decode(&got))
	assert.Equal(t, pixels, got.Pixels)
	assert.Equal(t, 2, got.Width)
}

func TestRedisSweepAppliesExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	require.NoError(t, s.Write(ctx, "presence/r1/u1", map[string]any{"isOnline": true}))
	require.NoError(t, s.Write(ctx, "presence/r1/u2", map[string]any{"isOnline": true}))
	require.NoError(t, s.OnDisconnect(ctx, "c1", "presence/r1/u1", map[string]any{"isOnline": false}))
	require.NoError(t, s.OnDisconnect(ctx, "c2", "presence/r1/u2", map[string]any{"isOnline": false}))

	mr.FastForward(30 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "c2"))
	mr.FastForward(45 * time.Second)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := s.Read(ctx, "presence/r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"u1":{"isOnline":false},"u2":{"isOnline":true}}`, string(snap.Value))

	members, err := mr.SMembers("test:conns")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, members)
}

func TestRedisCrossInstanceDelivery(t *testing.T) {
	ctx := context.Background()
	a, mr := newTestRedis(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b, err := NewRedis(ctx, rdb, "test:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	rec := &recorder{}
	cancel, err := b.Subscribe(ctx, "chat/r1", rec.handle)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Write(ctx, "chat/r1/m1", map[string]any{"message": "hello"}))
	rec.eventually(t, func(s Snapshot) bool {
		_, ok := s.Children()["m1"]
		return ok
	})
}

type countingSweep struct{ calls chan struct{} }

func (c *countingSweep) Sweep(context.Context) (int, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	target := &countingSweep{calls: make(chan struct{}, 1)}
	sw, err := NewSweeper(target, "@every 1s", time.Second)
	require.NoError(t, err)
	sw.Start()
	defer sw.Stop()

	select {
	case <-target.calls:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run")
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(&countingSweep{}, "not a schedule", time.Second)
	assert.Error(t, err)
}
