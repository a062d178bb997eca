package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SteamVC/pixelroom/internal/artwork"
	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
	"github.com/SteamVC/pixelroom/internal/service"
)

// PointerDown はストロークを開始します
// 塗りつぶしは即座に公開し、スポイトは取得した色を選択色にします
func (c *Controller) PointerDown(ctx context.Context, x, y int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, d, err := c.session()
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	brush := c.brush
	c.mu.Unlock()

	res := d.PointerDown(brush, x, y)
	if res.Picked != "" {
		c.mu.Lock()
		c.brush.Color = res.Picked
		c.mu.Unlock()
		c.mirrorTool(ctx)
	}
	if res.Committed {
		c.publish(ctx, user, roomID, d, actionFor(brush.Tool), &x, &y, brush.Color)
	}
	c.writeCursor(ctx, user, roomID, d, x, y)
	if res.Changed || res.Picked != "" {
		c.emit()
	}
	return nil
}

// PointerMove はストロークを続け、カーソル位置を書き込みます
func (c *Controller) PointerMove(ctx context.Context, x, y int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, d, err := c.session()
	if err != nil {
		return err
	}
	res := d.PointerMove(x, y)
	c.writeCursor(ctx, user, roomID, d, x, y)
	if res.Changed {
		c.emit()
	}
	return nil
}

// PointerUp はストロークを確定して公開します
func (c *Controller) PointerUp(ctx context.Context, x, y int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, d, err := c.session()
	if err != nil {
		return err
	}
	c.mu.Lock()
	brush := c.brush
	c.mu.Unlock()

	res := d.PointerUp(x, y)
	if res.Committed {
		c.publish(ctx, user, roomID, d, actionFor(brush.Tool), &x, &y, brush.Color)
	}
	if res.Changed {
		c.emit()
	}
	return nil
}

// PointerLeave は進行中のストロークを確定し、カーソルを消します
func (c *Controller) PointerLeave(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, d, err := c.session()
	if err != nil {
		return err
	}
	c.mu.Lock()
	brush := c.brush
	c.mu.Unlock()

	res := d.PointerLeave()
	if res.Committed {
		c.publish(ctx, user, roomID, d, actionFor(brush.Tool), nil, nil, brush.Color)
	}
	if err := c.svc.Presence.UpdateCursor(ctx, user, roomID, nil); err != nil {
		c.log().WithError(err).Debug("failed to clear cursor")
	}
	if res.Changed {
		c.emit()
	}
	return nil
}

func (c *Controller) writeCursor(ctx context.Context, user models.User, roomID string, d *pixel.Drawing, x, y int) {
	var cur *models.Cursor
	if d.Grid().In(x, y) {
		cur = &models.Cursor{X: x, Y: y}
	}
	if err := c.svc.Presence.UpdateCursor(ctx, user, roomID, cur); err != nil {
		c.log().WithError(err).Debug("failed to write cursor")
	}
}

func actionFor(t pixel.Tool) models.ActionKind {
	switch t {
	case pixel.ToolEraser:
		return models.ActionErase
	case pixel.ToolFill:
		return models.ActionFill
	default:
		return models.ActionDraw
	}
}

// publish はグリッド全体を公開し、操作ログに追記します
// 失敗はログとメトリクスに残すだけで、呼び出し元には返しません
func (c *Controller) publish(ctx context.Context, user models.User, roomID string, d *pixel.Drawing, kind models.ActionKind, x, y *int, color string) {
	g := d.Grid()
	data := models.CanvasData{
		Pixels:    g,
		Width:     g.Width(),
		Height:    g.Height(),
		PixelSize: d.CellSize(),
	}
	c.mu.Lock()
	c.lastPublished = g.Clone()
	c.mu.Unlock()

	if _, err := c.svc.Canvas.Publish(ctx, roomID, data); err != nil {
		c.log().WithError(err).Warn("failed to publish canvas")
	}
	a := models.CanvasAction{Action: kind, X: x, Y: y}
	if kind == models.ActionDraw || kind == models.ActionFill {
		a.Color = color
	}
	if err := c.svc.Canvas.RecordAction(ctx, user, roomID, a); err != nil {
		c.log().WithError(err).Debug("failed to record canvas action")
	}
}

// mirrorTool は選択中のツールと色を在室情報に書き込みます
func (c *Controller) mirrorTool(ctx context.Context) {
	c.mu.Lock()
	user := c.user
	brush := c.brush
	var roomID string
	if c.room != nil {
		roomID = c.room.ID
	}
	c.mu.Unlock()
	if roomID == "" {
		return
	}
	if err := c.svc.Presence.UpdateTool(ctx, user, roomID, string(brush.Tool), brush.Color); err != nil {
		c.log().WithError(err).Warn("failed to mirror tool into presence")
	}
}

// SelectTool はツールを切り替えます
func (c *Controller) SelectTool(ctx context.Context, tool string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !pixel.IsTool(tool) {
		return c.fail(errors.Join(service.ErrValidation, fmt.Errorf("unknown tool %q", tool)))
	}
	c.mu.Lock()
	c.brush.Tool = pixel.Tool(tool)
	c.mu.Unlock()
	c.mirrorTool(ctx)
	c.emit()
	return nil
}

// SelectColor は描画色を切り替えます
func (c *Controller) SelectColor(ctx context.Context, color string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !pixel.ValidColor(color) {
		return c.fail(errors.Join(service.ErrValidation, fmt.Errorf("invalid color %q", color)))
	}
	c.mu.Lock()
	c.brush.Color = strings.ToLower(color)
	c.mu.Unlock()
	c.mirrorTool(ctx)
	c.emit()
	return nil
}

// SetBrushSize はブラシの太さを範囲内に丸めて設定します
func (c *Controller) SetBrushSize(size int) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	size = max(pixel.MinBrushSize, min(size, pixel.MaxBrushSize))
	c.mu.Lock()
	c.brush.Size = size
	c.mu.Unlock()
	c.emit()
}

// Undo は1つ前の履歴に戻して公開します
func (c *Controller) Undo(ctx context.Context) error {
	return c.history(ctx, models.ActionUndo, func(d *pixel.Drawing) bool {
		_, ok := d.Undo()
		return ok
	})
}

// Redo は取り消した履歴をやり直して公開します
func (c *Controller) Redo(ctx context.Context) error {
	return c.history(ctx, models.ActionRedo, func(d *pixel.Drawing) bool {
		_, ok := d.Redo()
		return ok
	})
}

// Clear はキャンバスを背景色で塗りつぶして公開します
func (c *Controller) Clear(ctx context.Context) error {
	return c.history(ctx, models.ActionClear, func(d *pixel.Drawing) bool {
		d.Clear()
		return true
	})
}

func (c *Controller) history(ctx context.Context, kind models.ActionKind, op func(*pixel.Drawing) bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, d, err := c.session()
	if err != nil {
		return c.fail(err)
	}
	if !op(d) {
		return nil
	}
	c.publish(ctx, user, roomID, d, kind, nil, nil, "")
	c.emit()
	return nil
}

// SendChat はルームのチャットに送信します
func (c *Controller) SendChat(ctx context.Context, text string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, _, err := c.session()
	if err != nil {
		return c.fail(err)
	}
	if _, err := c.svc.Chat.Send(ctx, user, roomID, text); err != nil {
		return c.fail(err)
	}
	return nil
}

// SaveInput はギャラリー保存時の入力です
type SaveInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IsPublic    bool     `json:"isPublic"`
}

// SaveToGallery はルームのキャンバスを作品として保存します
// ストアに公開済みのキャンバスを優先し、なければ手元のグリッドを使います
// 戻り値: 作品ID、エラー
func (c *Controller) SaveToGallery(ctx context.Context, in SaveInput) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, d, err := c.session()
	if err != nil {
		return "", c.fail(err)
	}
	if c.svc.Artworks == nil {
		return "", c.fail(errors.Join(service.ErrStoreUnavailable, errors.New("gallery is not configured")))
	}

	data, ok, err := c.svc.Canvas.Get(ctx, roomID)
	if err != nil {
		return "", c.fail(err)
	}
	if !ok {
		g := d.Grid()
		data = models.CanvasData{Pixels: g, Width: g.Width(), Height: g.Height(), PixelSize: d.CellSize()}
	}

	id, err := c.svc.Artworks.Create(ctx, user.ID, user.DisplayName(), artwork.CreateInput{
		Title:       in.Title,
		Description: in.Description,
		Pixels:      data.Pixels,
		Width:       data.Width,
		Height:      data.Height,
		PixelSize:   data.PixelSize,
		Tags:        append([]string{artwork.CollaborationTag}, in.Tags...),
		IsPublic:    in.IsPublic,
	})
	if errors.Is(err, artwork.ErrInvalid) {
		return "", c.fail(errors.Join(service.ErrValidation, err))
	}
	if err != nil {
		return "", c.fail(errors.Join(service.ErrStoreUnavailable, err))
	}
	c.log().WithField("artwork_id", id).Info("saved canvas to gallery")
	return id, nil
}

// LoadArtwork は保存済みの作品をルームのキャンバスとして公開します
// 非公開の作品は所有者だけが読み込めます（他人にはErrNotFound）
func (c *Controller) LoadArtwork(ctx context.Context, artworkID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, roomID, d, err := c.session()
	if err != nil {
		return c.fail(err)
	}
	if c.svc.Artworks == nil {
		return c.fail(errors.Join(service.ErrStoreUnavailable, errors.New("gallery is not configured")))
	}
	a, ok, err := c.svc.Artworks.Get(ctx, artworkID)
	if err != nil {
		return c.fail(errors.Join(service.ErrStoreUnavailable, err))
	}
	if !ok || (!a.IsPublic && a.OwnerID != user.ID) {
		return c.fail(service.ErrNotFound)
	}

	data := models.CanvasData{Pixels: a.Pixels, Width: a.Width, Height: a.Height, PixelSize: a.PixelSize}
	if err := c.svc.Canvas.LoadArtwork(ctx, roomID, a.Title, data); err != nil {
		return c.fail(err)
	}
	g := pixel.Grid(a.Pixels)
	d.Commit(g)
	d.SetCellSize(a.PixelSize)
	c.mu.Lock()
	c.lastPublished = g.Clone()
	c.mu.Unlock()
	c.emit()
	return nil
}
