package collab

import (
	"github.com/SteamVC/pixelroom/internal/models"
)

// State はUIに渡す状態のスナップショットです
// スライスはすべてコピーで、受け取った側が変更しても影響しません
type State struct {
	View      View                 `json:"view"`
	User      *models.User         `json:"user,omitempty"`
	Rooms     []models.Room        `json:"rooms"`
	Room      *models.Room         `json:"room,omitempty"`
	Users     []models.Presence    `json:"users"`
	Messages  []models.ChatMessage `json:"messages"`
	Canvas    *models.CanvasData   `json:"canvas,omitempty"`
	CanUndo   bool                 `json:"canUndo"`
	CanRedo   bool                 `json:"canRedo"`
	Tool      string               `json:"tool"`
	Color     string               `json:"color"`
	BrushSize int                  `json:"brushSize"`
	Loading   bool                 `json:"loading"`
	Error     string               `json:"error,omitempty"`
}

func (c *Controller) snapshotLocked() State {
	s := State{
		View:      c.view,
		Rooms:     append([]models.Room(nil), c.rooms...),
		Users:     append([]models.Presence(nil), c.users...),
		Messages:  append([]models.ChatMessage(nil), c.messages...),
		Tool:      string(c.brush.Tool),
		Color:     c.brush.Color,
		BrushSize: c.brush.Size,
		Loading:   c.loading,
		Error:     c.lastErr,
	}
	if c.user.ID != "" {
		u := c.user
		s.User = &u
	}
	if c.room != nil {
		r := *c.room
		r.CanvasData = nil
		s.Room = &r
	}
	if c.drawing != nil {
		g := c.drawing.Grid()
		s.Canvas = &models.CanvasData{
			Pixels:    g,
			Width:     g.Width(),
			Height:    g.Height(),
			PixelSize: c.drawing.CellSize(),
		}
		s.CanUndo = c.drawing.CanUndo()
		s.CanRedo = c.drawing.CanRedo()
	}
	return s
}
