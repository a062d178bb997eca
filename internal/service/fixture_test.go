package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/repo"
	"github.com/SteamVC/pixelroom/internal/store"
)

var (
	alice = models.User{ID: "u-alice", Name: "Alice", Email: "alice@example.com"}
	bob   = models.User{ID: "u-bob", Name: "Bob"}
	carol = models.User{ID: "u-carol", Email: "carol@example.com"}
)

type fixture struct {
	st       *store.Memory
	repo     *repo.TreeRepo
	rooms    *RoomService
	presence *PresenceService
	canvas   *CanvasService
	chat     *ChatService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	r := repo.NewTreeRepo(st)
	rooms := NewRoomService(r, r)
	chat := NewChatService(r)
	return &fixture{
		st:       st,
		repo:     r,
		rooms:    rooms,
		presence: NewPresenceService(r, r, rooms, nil),
		canvas:   NewCanvasService(r, r, chat),
		chat:     chat,
	}
}

func (f *fixture) createRoom(t *testing.T, owner models.User, name string, maxUsers int) string {
	t.Helper()
	id, err := f.rooms.Create(context.Background(), owner, CreateRoomInput{Name: name, MaxUsers: maxUsers})
	require.NoError(t, err)
	return id
}

func (f *fixture) room(t *testing.T, id string) (models.Room, bool) {
	t.Helper()
	r, ok, err := f.rooms.Get(context.Background(), id)
	require.NoError(t, err)
	return r, ok
}

// latest は購読の最新の配信を保持します
type latest[T any] struct {
	mu  sync.Mutex
	v   T
	got bool
}

func (l *latest[T]) set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v, l.got = v, true
}

func (l *latest[T]) get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v, l.got
}

func (l *latest[T]) eventually(t *testing.T, cond func(T) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := l.get()
		return ok && cond(v)
	}, 2*time.Second, 5*time.Millisecond)
}
