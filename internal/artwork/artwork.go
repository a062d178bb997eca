// Package artwork は保存済み作品（ギャラリー）のストアです
package artwork

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SteamVC/pixelroom/internal/pixel"
)

var ErrInvalid = errors.New("invalid artwork")

// CollaborationTag は共同描画ルームから保存した作品に付けるタグです
const CollaborationTag = "collaboration"

// Artwork は保存済みの作品です
type Artwork struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"userId"`
	OwnerName   string     `json:"username"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Pixels      [][]string `json:"pixels"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	PixelSize   int        `json:"pixelSize"`
	Tags        []string   `json:"tags"`
	IsPublic    bool       `json:"isPublic"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// HasTag はタグを大文字小文字を区別せずに探します
func (a Artwork) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// CreateInput は作品作成時の入力です
type CreateInput struct {
	Title       string
	Description string
	Pixels      [][]string
	Width       int
	Height      int
	PixelSize   int
	Tags        []string
	IsPublic    bool
}

// Validate はタイトルとグリッドを検証します
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	g := pixel.Grid(in.Pixels)
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if g.Width() != in.Width || g.Height() != in.Height {
		return fmt.Errorf("%w: grid is %dx%d but declared %dx%d", ErrInvalid, g.Width(), g.Height(), in.Width, in.Height)
	}
	return nil
}

type Store interface {
	Create(ctx context.Context, ownerID, ownerName string, in CreateInput) (string, error)
	Get(ctx context.Context, id string) (Artwork, bool, error)
	// ListByOwner はownerIDの作品を新しい順に返します（tagが空なら全件）
	ListByOwner(ctx context.Context, ownerID, tag string) ([]Artwork, error)
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
