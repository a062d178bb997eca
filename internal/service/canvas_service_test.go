package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
)

func canvasOf(color string) models.CanvasData {
	return models.CanvasData{
		Pixels:    pixel.NewGrid(models.DefaultWidth, models.DefaultHeight, color),
		Width:     models.DefaultWidth,
		Height:    models.DefaultHeight,
		PixelSize: 12,
	}
}

func TestPublishValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 2)

	bad := canvasOf("#ffffff")
	bad.Width = 5
	_, err := f.canvas.Publish(ctx, id, bad)
	assert.ErrorIs(t, err, ErrValidation)

	bad = canvasOf("#ffffff")
	bad.Pixels[2][2] = "not-a-color"
	_, err = f.canvas.Publish(ctx, id, bad)
	assert.ErrorIs(t, err, ErrValidation)

	bad = canvasOf("#ffffff")
	bad.PixelSize = 0
	_, err = f.canvas.Publish(ctx, id, bad)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.canvas.Publish(ctx, id, models.CanvasData{Pixels: pixel.NewGrid(65, 1, "#ffffff"), Width: 65, Height: 1, PixelSize: 1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPublishKeepsRoomSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 2)

	wide := models.CanvasData{Pixels: pixel.NewGrid(64, 16, "#000000"), Width: 64, Height: 16, PixelSize: 12}
	_, err := f.canvas.Publish(ctx, id, wide)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, f.canvas.LoadArtwork(ctx, id, "Wide", wide), ErrValidation)

	c, _, err := f.canvas.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultWidth, c.Width)
	assert.Equal(t, models.DefaultHeight, c.Height)

	// 公開済みのキャンバスがなくてもルーム作成時のサイズで判定する
	require.NoError(t, f.st.Remove(ctx, "canvas/"+id))
	_, err = f.canvas.Publish(ctx, id, wide)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.canvas.Publish(ctx, id, canvasOf("#123456"))
	assert.NoError(t, err)
}

func TestPublishBumpsActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 2)
	require.NoError(t, f.repo.TouchRoom(ctx, id, 1))

	published, err := f.canvas.Publish(ctx, id, canvasOf("#000000"))
	require.NoError(t, err)
	assert.NotZero(t, published.LastUpdated)

	room, _ := f.room(t, id)
	assert.Equal(t, published.LastUpdated, room.LastActivity)
}

func TestLastPublishWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 2)

	got := &latest[models.CanvasData]{}
	cancel, err := f.canvas.Subscribe(ctx, id, got.set)
	require.NoError(t, err)
	defer cancel()

	p1 := canvasOf("#111111")
	p2 := canvasOf("#222222")
	p2.Pixels[3][3] = "#333333"
	_, err = f.canvas.Publish(ctx, id, p1)
	require.NoError(t, err)
	_, err = f.canvas.Publish(ctx, id, p2)
	require.NoError(t, err)

	got.eventually(t, func(c models.CanvasData) bool {
		return pixel.Grid(c.Pixels).Equal(p2.Pixels)
	})
}

func TestSubscribeSkipsMissingCanvas(t *testing.T) {
	f := newFixture(t)
	got := &latest[models.CanvasData]{}
	cancel, err := f.canvas.Subscribe(context.Background(), "nope", got.set)
	require.NoError(t, err)
	defer cancel()

	_, ok := got.get()
	assert.False(t, ok)
}

func TestLoadArtworkPostsSystemMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 2)

	msgs := &latest[[]models.ChatMessage]{}
	cancel, err := f.chat.Subscribe(ctx, id, msgs.set)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.canvas.LoadArtwork(ctx, id, "Sunset", canvasOf("#ff9900")))

	c, _, err := f.canvas.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "#ff9900", c.Pixels[0][0])
	msgs.eventually(t, func(m []models.ChatMessage) bool {
		return len(m) == 1 && m[0].Message == "Loaded artwork: Sunset" &&
			m[0].Type == models.MessageSystem && m[0].UserID == models.SystemUserID
	})
}

func TestRecordActionStampsActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.createRoom(t, alice, "R", 2)
	x, y := 1, 2

	require.NoError(t, f.canvas.RecordAction(ctx, bob, id, models.CanvasAction{Action: models.ActionDraw, X: &x, Y: &y, Color: "#000000"}))

	snap, err := f.st.Read(ctx, "actions/"+id)
	require.NoError(t, err)
	children := snap.Children()
	require.Len(t, children, 1)
	for _, raw := range children {
		assert.Contains(t, string(raw), `"userId":"u-bob"`)
		assert.Contains(t, string(raw), `"action":"draw"`)
	}
}
