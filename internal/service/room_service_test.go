package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
)

func TestCreateRoomDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.rooms.Create(ctx, alice, CreateRoomInput{Name: "  Sketch  ", Description: "doodles"})
	require.NoError(t, err)

	room, ok := f.room(t, id)
	require.True(t, ok)
	assert.Equal(t, "Sketch", room.Name)
	assert.Equal(t, models.DefaultMaxUsers, room.MaxUsers)
	assert.Zero(t, room.CurrentUsers)
	assert.True(t, room.IsPublic)
	assert.Equal(t, alice.ID, room.OwnerID)
	assert.Equal(t, "Alice", room.OwnerName)
	require.NotNil(t, room.CanvasData)
	assert.Equal(t, 32, room.CanvasData.Width)

	c, ok, err := f.canvas.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, pixel.Grid(c.Pixels).Equal(pixel.NewGrid(32, 32, "#ffffff")))
	assert.Equal(t, models.DefaultPixelSize, c.PixelSize)
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rooms.Create(ctx, models.User{}, CreateRoomInput{Name: "x"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.rooms.Create(ctx, alice, CreateRoomInput{Name: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.rooms.Create(ctx, alice, CreateRoomInput{Name: "x", MaxUsers: -1})
	assert.ErrorIs(t, err, ErrValidation)

	rooms, err := f.rooms.ListPublic(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestListPublicFiltersAndSorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	private := false
	_, err := f.rooms.Create(ctx, alice, CreateRoomInput{Name: "hidden", IsPublic: &private})
	require.NoError(t, err)
	older := f.createRoom(t, alice, "older", 5)
	full := f.createRoom(t, alice, "full", 1)
	newer := f.createRoom(t, alice, "newer", 5)

	_, err = f.presence.Join(ctx, bob, "c-bob", full)
	require.NoError(t, err)
	require.NoError(t, f.repo.TouchRoom(ctx, older, 1))
	require.NoError(t, f.repo.TouchRoom(ctx, newer, 2))

	rooms, err := f.rooms.ListPublic(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, newer, rooms[0].ID)
	assert.Equal(t, older, rooms[1].ID)
}

func TestDeleteRequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "mine", 3)

	assert.ErrorIs(t, f.rooms.Delete(ctx, bob, id), ErrForbidden)
	assert.ErrorIs(t, f.rooms.Delete(ctx, alice, "missing"), ErrNotFound)
	require.NoError(t, f.rooms.Delete(ctx, alice, id))

	_, ok := f.room(t, id)
	assert.False(t, ok)
	_, ok, err := f.canvas.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}
