package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/metrics"
	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
	"github.com/SteamVC/pixelroom/internal/repo"
)

// CanvasService はルームの共有キャンバスを管理します
// 書き込みはグリッド全体の上書きのみで、最後に届いたものが残ります
type CanvasService struct {
	rooms  repo.RoomRepo
	canvas repo.CanvasRepo
	chat   *ChatService
}

func NewCanvasService(rooms repo.RoomRepo, canvas repo.CanvasRepo, chat *ChatService) *CanvasService {
	return &CanvasService{rooms: rooms, canvas: canvas, chat: chat}
}

// ValidateCanvas はグリッドとサイズの整合性を検証します
func ValidateCanvas(c models.CanvasData) error {
	g := pixel.Grid(c.Pixels)
	if err := g.Validate(); err != nil {
		return errors.Join(ErrValidation, err)
	}
	if g.Width() != c.Width || g.Height() != c.Height {
		return errors.Join(ErrValidation, fmt.Errorf("grid is %dx%d but declared %dx%d", g.Width(), g.Height(), c.Width, c.Height))
	}
	if c.PixelSize <= 0 {
		return errors.Join(ErrValidation, errors.New("pixelSize must be positive"))
	}
	return nil
}

// Publish はキャンバスを丸ごと上書きし、ルームの最終アクティビティを更新します
// グリッドのサイズはルームの作成時から変えられません
func (s *CanvasService) Publish(ctx context.Context, roomID string, c models.CanvasData) (models.CanvasData, error) {
	if err := ValidateCanvas(c); err != nil {
		return models.CanvasData{}, err
	}
	if err := s.checkSize(ctx, roomID, c); err != nil {
		return models.CanvasData{}, err
	}
	c.LastUpdated = models.NowMillis()
	if err := s.canvas.PutCanvas(ctx, roomID, c); err != nil {
		metrics.CanvasPublishFailures.Inc()
		return models.CanvasData{}, storeErr(err)
	}
	metrics.CanvasPublishes.Inc()

	if err := s.rooms.TouchRoom(ctx, roomID, c.LastUpdated); err != nil && !errors.Is(err, repo.ErrRoomNotFound) {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to bump room activity")
	}
	return c, nil
}

// checkSize は公開済みのキャンバス（なければルーム作成時のもの）とサイズを比べます
func (s *CanvasService) checkSize(ctx context.Context, roomID string, c models.CanvasData) error {
	cur, ok, err := s.canvas.GetCanvas(ctx, roomID)
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		room, found, err := s.rooms.GetRoom(ctx, roomID)
		if err != nil {
			return storeErr(err)
		}
		if !found || room.CanvasData == nil {
			return nil
		}
		cur = *room.CanvasData
	}
	if cur.Width != c.Width || cur.Height != c.Height {
		return errors.Join(ErrValidation, fmt.Errorf("room canvas is %dx%d, got %dx%d", cur.Width, cur.Height, c.Width, c.Height))
	}
	return nil
}

// Get はキャンバスを取得します
// 戻り値: キャンバス、存在フラグ、エラー
func (s *CanvasService) Get(ctx context.Context, roomID string) (models.CanvasData, bool, error) {
	c, ok, err := s.canvas.GetCanvas(ctx, roomID)
	if err != nil {
		return models.CanvasData{}, false, storeErr(err)
	}
	return c, ok, nil
}

// Subscribe は公開されたキャンバスを配信します
func (s *CanvasService) Subscribe(ctx context.Context, roomID string, fn func(models.CanvasData)) (func(), error) {
	cancel, err := s.canvas.SubscribeCanvas(ctx, roomID, fn)
	if err != nil {
		return nil, storeErr(err)
	}
	return cancel, nil
}

// RecordAction は操作ログに追記します
func (s *CanvasService) RecordAction(ctx context.Context, user models.User, roomID string, a models.CanvasAction) error {
	if user.ID == "" {
		return ErrUnauthenticated
	}
	a.UserID = user.ID
	a.Username = user.DisplayName()
	a.Timestamp = models.NowMillis()
	_, err := s.canvas.AppendAction(ctx, roomID, a)
	return storeErr(err)
}

// LoadArtwork は作品のグリッドをルームに公開し、チャットにお知らせを流します
// サイズがルームと異なる作品はErrValidationで拒否します
func (s *CanvasService) LoadArtwork(ctx context.Context, roomID, title string, c models.CanvasData) error {
	if _, err := s.Publish(ctx, roomID, c); err != nil {
		return err
	}
	if _, err := s.chat.SendSystem(ctx, roomID, "Loaded artwork: "+title); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to announce loaded artwork")
	}
	return nil
}
