// Package service はビジネスロジックを担当します
// ルームの作成・一覧・参加・退出、在室情報、共有キャンバス、チャットを提供します
package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/metrics"
	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
	"github.com/SteamVC/pixelroom/internal/repo"
)

// CreateRoomInput はルーム作成時の入力です
type CreateRoomInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MaxUsers    int    `json:"maxUsers,omitempty"` // 0なら既定値
	IsPublic    *bool  `json:"isPublic,omitempty"` // nilなら公開
}

// RoomService はルーム管理のビジネスロジックを提供します
type RoomService struct {
	rooms  repo.RoomRepo
	canvas repo.CanvasRepo
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(rooms repo.RoomRepo, canvas repo.CanvasRepo) *RoomService {
	return &RoomService{rooms: rooms, canvas: canvas}
}

// Create は新しいルームを作成します
// 処理の流れ:
// 1. 入力の検証
// 2. 時刻順のルームIDを生成
// 3. 空のキャンバスを埋め込んだルームを保存し、canvas/{id} にも同じキャンバスを書き込む
// 戻り値: 生成されたルームID、エラー
func (s *RoomService) Create(ctx context.Context, owner models.User, in CreateRoomInput) (string, error) {
	if owner.ID == "" {
		return "", ErrUnauthenticated
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", errors.Join(ErrValidation, errors.New("room name is required"))
	}
	if in.MaxUsers < 0 {
		return "", errors.Join(ErrValidation, errors.New("maxUsers must be positive"))
	}
	maxUsers := in.MaxUsers
	if maxUsers == 0 {
		maxUsers = models.DefaultMaxUsers
	}
	isPublic := true
	if in.IsPublic != nil {
		isPublic = *in.IsPublic
	}

	roomID, err := s.rooms.NewRoomID(ctx)
	if err != nil {
		return "", storeErr(err)
	}

	now := models.NowMillis()
	canvas := BlankCanvas(now)
	room := models.Room{
		ID:           roomID,
		Name:         name,
		Description:  strings.TrimSpace(in.Description),
		OwnerID:      owner.ID,
		OwnerName:    owner.DisplayName(),
		MaxUsers:     maxUsers,
		CurrentUsers: 0,
		IsPublic:     isPublic,
		CreatedAt:    now,
		LastActivity: now,
		CanvasData:   &canvas,
	}
	if err := s.rooms.CreateRoom(ctx, room); err != nil {
		return "", storeErr(err)
	}
	if err := s.canvas.PutCanvas(ctx, roomID, canvas); err != nil {
		// キャンバスの初期化に失敗した場合はルームを削除してロールバック
		_ = s.rooms.DeleteRoom(ctx, roomID)
		return "", storeErr(err)
	}

	logrus.WithFields(logrus.Fields{"room_id": roomID, "owner_id": owner.ID, "max_users": maxUsers}).Info("room created")
	return roomID, nil
}

// BlankCanvas は既定サイズの背景色だけのキャンバスを返します
func BlankCanvas(now int64) models.CanvasData {
	return models.CanvasData{
		Pixels:      pixel.NewGrid(models.DefaultWidth, models.DefaultHeight, models.DefaultBackground),
		Width:       models.DefaultWidth,
		Height:      models.DefaultHeight,
		PixelSize:   models.DefaultPixelSize,
		LastUpdated: now,
	}
}

// ListPublic は参加可能な公開ルームを最終アクティビティの新しい順に返します
// その時点の読み取りで、購読ではありません
func (s *RoomService) ListPublic(ctx context.Context) ([]models.Room, error) {
	rooms, err := s.rooms.ListRooms(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	res := make([]models.Room, 0, len(rooms))
	for _, r := range rooms {
		if r.IsPublic && !r.Full() {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].LastActivity != res[j].LastActivity {
			return res[i].LastActivity > res[j].LastActivity
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// Get はルームを取得します
// 戻り値: ルーム情報、存在フラグ、エラー
func (s *RoomService) Get(ctx context.Context, roomID string) (models.Room, bool, error) {
	r, ok, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, false, storeErr(err)
	}
	return r, ok, nil
}

// Teardown はルームと配下のリソースをすべて削除します
func (s *RoomService) Teardown(ctx context.Context, roomID string) error {
	if err := s.rooms.DeleteRoom(ctx, roomID); err != nil {
		return storeErr(err)
	}
	metrics.RoomTeardowns.Inc()
	logrus.WithField("room_id", roomID).Info("room torn down")
	return nil
}

// Delete はルームを削除します（オーナーのみ実行可能）
// 処理の流れ:
// 1. ルームの存在確認
// 2. リクエストユーザーがオーナーかを確認
// 3. ルームを削除
func (s *RoomService) Delete(ctx context.Context, user models.User, roomID string) error {
	if user.ID == "" {
		return ErrUnauthenticated
	}
	room, exists, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return storeErr(err)
	}
	if !exists {
		return ErrNotFound
	}
	if room.OwnerID != user.ID {
		return ErrForbidden
	}
	return s.Teardown(ctx, roomID)
}
