package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder は購読の配信を記録します
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) handle(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) eventually(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := r.last()
		return ok && cond(s)
	}, 2*time.Second, 10*time.Millisecond)
}

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// runContract はすべてのバックエンドが満たすべき振る舞いを検証します
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("write then read", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write(ctx, "rooms/r1", item{Name: "a", Count: 1}))

		snap, err := s.Read(ctx, "rooms/r1")
		require.NoError(t, err)
		require.True(t, snap.Exists)
		var got item
		require.NoError(t, snap.Decode(&got))
		assert.Equal(t, item{Name: "a", Count: 1}, got)

		parent, err := s.Read(ctx, "rooms")
		require.NoError(t, err)
		assert.Contains(t, parent.Children(), "r1")
	})

	t.Run("missing path", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.Read(ctx, "nothing/here")
		require.NoError(t, err)
		assert.False(t, snap.Exists)
		assert.Empty(t, snap.Children())
	})

	t.Run("write replaces subtree", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write(ctx, "a", map[string]any{"x": 1, "y": 2}))
		require.NoError(t, s.Write(ctx, "a", map[string]any{"z": 3}))

		snap, err := s.Read(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"z":3}`, string(snap.Value))
	})

	t.Run("update merges and deletes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write(ctx, "a", map[string]any{"x": 1, "y": 2}))
		require.NoError(t, s.Update(ctx, "a", map[string]any{"y": nil, "z": "new", "nested/deep": true}))

		snap, err := s.Read(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1,"z":"new","nested":{"deep":true}}`, string(snap.Value))
	})

	t.Run("remove prunes empty parents", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write(ctx, "chat/r1/m1", item{Name: "hi"}))
		require.NoError(t, s.Remove(ctx, "chat/r1"))

		snap, err := s.Read(ctx, "chat")
		require.NoError(t, err)
		assert.False(t, snap.Exists)
	})

	t.Run("invalid paths", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Write(ctx, "", 1), ErrInvalidPath)
		assert.ErrorIs(t, s.Write(ctx, "rooms/a.b", 1), ErrInvalidPath)
		_, err := s.Read(ctx, "rooms/$x")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("subscribe delivers initial and changes", func(t *testing.T) {
		s := newStore(t)
		rec := &recorder{}
		cancel, err := s.Subscribe(ctx, "presence/r1", rec.handle)
		require.NoError(t, err)
		defer cancel()

		rec.eventually(t, func(s Snapshot) bool { return !s.Exists })

		require.NoError(t, s.Write(ctx, "presence/r1/u1", item{Name: "alice"}))
		rec.eventually(t, func(s Snapshot) bool {
			_, ok := s.Children()["u1"]
			return ok
		})

		require.NoError(t, s.Remove(ctx, "presence"))
		rec.eventually(t, func(s Snapshot) bool { return !s.Exists })
	})

	t.Run("unrelated writes are not delivered", func(t *testing.T) {
		s := newStore(t)
		rec := &recorder{}
		cancel, err := s.Subscribe(ctx, "canvas/r1", rec.handle)
		require.NoError(t, err)
		defer cancel()
		require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, s.Write(ctx, "canvas/r2", item{Name: "other"}))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("cancelled subscription stops", func(t *testing.T) {
		s := newStore(t)
		rec := &recorder{}
		cancel, err := s.Subscribe(ctx, "rooms", rec.handle)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
		cancel()

		require.NoError(t, s.Write(ctx, "rooms/r1", item{Name: "x"}))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("transaction increments", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transaction(ctx, "rooms/r1/currentUsers", func(cur Snapshot) (any, error) {
					var n int
					if err := cur.Decode(&n); err != nil {
						return nil, err
					}
					return n + 1, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		snap, err := s.Read(ctx, "rooms/r1/currentUsers")
		require.NoError(t, err)
		var n int
		require.NoError(t, snap.Decode(&n))
		assert.Equal(t, 10, n)
	})

	t.Run("transaction abort leaves value", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write(ctx, "k", 5))
		boom := errors.New("boom")
		_, err := s.Transaction(ctx, "k", func(Snapshot) (any, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)

		snap, err := s.Read(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage("5"), snap.Value)
	})

	t.Run("push keys are ordered and unique", func(t *testing.T) {
		s := newStore(t)
		prev := ""
		for i := 0; i < 50; i++ {
			k, err := s.PushUnique(ctx, "chat/r1")
			require.NoError(t, err)
			assert.Greater(t, k, prev)
			prev = k
		}
	})

	t.Run("disconnect applies hooks", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write(ctx, "presence/r1/u1", map[string]any{"isOnline": true, "username": "a"}))
		require.NoError(t, s.Write(ctx, "presence/r1/u2", map[string]any{"isOnline": true, "username": "b"}))
		require.NoError(t, s.OnDisconnect(ctx, "c1", "presence/r1/u1", map[string]any{"isOnline": false}))
		require.NoError(t, s.OnDisconnect(ctx, "c1", "presence/r1/u2", map[string]any{"isOnline": false}))
		require.NoError(t, s.CancelDisconnect(ctx, "c1", "presence/r1/u2"))

		require.NoError(t, s.Disconnect(ctx, "c1"))

		snap, err := s.Read(ctx, "presence/r1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"u1":{"isOnline":false,"username":"a"},"u2":{"isOnline":true,"username":"b"}}`, string(snap.Value))

		// 2回目は何もしない
		require.NoError(t, s.Write(ctx, "presence/r1/u1/isOnline", true))
		require.NoError(t, s.Disconnect(ctx, "c1"))
		snap, err = s.Read(ctx, "presence/r1/u1/isOnline")
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage("true"), snap.Value)
	})

	t.Run("disconnect does not recreate removed nodes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write(ctx, "presence/r1/u1", map[string]any{"isOnline": true, "username": "a"}))
		require.NoError(t, s.Write(ctx, "presence/r1/u2", map[string]any{"isOnline": true, "username": "b"}))
		require.NoError(t, s.OnDisconnect(ctx, "c1", "presence/r1/u1", map[string]any{"isOnline": false}))
		require.NoError(t, s.OnDisconnect(ctx, "c1", "presence/r1/u2", map[string]any{"isOnline": false}))
		require.NoError(t, s.Remove(ctx, "presence/r1/u1"))

		require.NoError(t, s.Disconnect(ctx, "c1"))

		snap, err := s.Read(ctx, "presence/r1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"u2":{"isOnline":false,"username":"b"}}`, string(snap.Value))
	})

	t.Run("closed store rejects subscribe", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.Subscribe(ctx, "rooms", func(Snapshot) {})
		assert.ErrorIs(t, err, ErrClosed)
	})
}
