package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
)

func TestScenarioCreateListJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	isPublic := true
	id, err := f.rooms.Create(ctx, alice, CreateRoomInput{Name: "Sketch", MaxUsers: 2, IsPublic: &isPublic})
	require.NoError(t, err)

	rooms, err := f.rooms.ListPublic(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "Sketch", rooms[0].Name)
	assert.Zero(t, rooms[0].CurrentUsers)

	room, err := f.presence.Join(ctx, alice, "c-alice", id)
	require.NoError(t, err)
	assert.Equal(t, 1, room.CurrentUsers)
}

func TestScenarioLateJoinerSeesPublishedCanvas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 5)
	_, err := f.presence.Join(ctx, alice, "c-alice", id)
	require.NoError(t, err)

	c, _, err := f.canvas.Get(ctx, id)
	require.NoError(t, err)
	pixel.Grid(c.Pixels).Set(0, 0, "#ff0000")
	_, err = f.canvas.Publish(ctx, id, c)
	require.NoError(t, err)

	_, err = f.presence.Join(ctx, bob, "c-bob", id)
	require.NoError(t, err)
	got := &latest[models.CanvasData]{}
	cancel, err := f.canvas.Subscribe(ctx, id, got.set)
	require.NoError(t, err)
	defer cancel()

	got.eventually(t, func(c models.CanvasData) bool { return c.Pixels[0][0] == "#ff0000" })
}

func TestScenarioFullRoomRejectsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 1)
	_, err := f.presence.Join(ctx, alice, "c-alice", id)
	require.NoError(t, err)
	before, _ := f.room(t, id)

	_, err = f.presence.Join(ctx, bob, "c-bob", id)
	assert.ErrorIs(t, err, ErrRoomFull)

	after, _ := f.room(t, id)
	assert.Equal(t, before, after)
	_, ok, err := f.repo.GetPresence(ctx, id, bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScenarioChatOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 5)

	got := &latest[[]models.ChatMessage]{}
	cancel, err := f.chat.Subscribe(ctx, id, got.set)
	require.NoError(t, err)
	defer cancel()

	_, err = f.chat.Send(ctx, alice, id, "hello")
	require.NoError(t, err)
	_, err = f.chat.Send(ctx, alice, id, "world")
	require.NoError(t, err)

	got.eventually(t, func(msgs []models.ChatMessage) bool {
		return len(msgs) == 2 && msgs[0].Message == "hello" && msgs[1].Message == "world"
	})
}

func TestScenarioAbruptDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 5)
	_, err := f.presence.Join(ctx, alice, "c-alice", id)
	require.NoError(t, err)
	_, err = f.presence.Join(ctx, bob, "c-bob", id)
	require.NoError(t, err)

	online := &latest[[]models.Presence]{}
	cancel, err := f.presence.Subscribe(ctx, id, online.set)
	require.NoError(t, err)
	defer cancel()
	online.eventually(t, func(ps []models.Presence) bool { return len(ps) == 2 })

	require.NoError(t, f.st.Disconnect(ctx, "c-alice"))

	online.eventually(t, func(ps []models.Presence) bool {
		return len(ps) == 1 && ps[0].ID == bob.ID
	})
	p, ok, err := f.repo.GetPresence(ctx, id, alice.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, p.IsOnline)

	room, _ := f.room(t, id)
	assert.Equal(t, 2, room.CurrentUsers)
}
