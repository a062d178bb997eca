package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/metrics"
	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
	"github.com/SteamVC/pixelroom/internal/repo"
	"github.com/SteamVC/pixelroom/internal/store"
)

// Palette は参加者に割り当てる色です
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FECA57",
	"#FF9FF3", "#54A0FF", "#5F27CD", "#00D2D3", "#FF9F43",
	"#10AC84", "#EE5A24", "#0984E3", "#A29BFE", "#FD79A8",
}

// rollbackTimeout は参加失敗時の巻き戻しに使う待ち時間です
// 呼び出し元のcontextが切れていても巻き戻せるよう、別のcontextで実行します
const rollbackTimeout = 5 * time.Second

// PresenceService はルームへの参加・退出と在室情報を管理します
type PresenceService struct {
	rooms    repo.RoomRepo
	presence repo.PresenceRepo
	registry *RoomService
	hb       store.Heartbeater // リースを持たないバックエンドではnil
	pick     func() string
}

// NewPresenceService は新しいPresenceServiceを作成します
// hbがnilの場合、Heartbeatは何もしません
func NewPresenceService(rooms repo.RoomRepo, presence repo.PresenceRepo, registry *RoomService, hb store.Heartbeater) *PresenceService {
	return &PresenceService{
		rooms:    rooms,
		presence: presence,
		registry: registry,
		hb:       hb,
		pick:     func() string { return Palette[rand.IntN(len(Palette))] },
	}
}

// Join はユーザーをルームに参加させます
// 処理の流れ:
// 1. 既に在室情報がある（再接続など）場合は人数を増やさずに在室情報を更新
// 2. そうでなければトランザクションで人数を1増やす（満員ならErrRoomFull、何も変更しない）
// 3. 在室情報を書き込み、切断時にオフラインにするフックを登録
// 4. 3に失敗した場合は人数を戻してロールバック
// 戻り値: 参加後のルーム情報、エラー
func (s *PresenceService) Join(ctx context.Context, user models.User, connID, roomID string) (models.Room, error) {
	if user.ID == "" {
		return models.Room{}, ErrUnauthenticated
	}
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": user.ID, "conn_id": connID})
	now := models.NowMillis()

	existing, found, err := s.presence.GetPresence(ctx, roomID, user.ID)
	if err != nil {
		return models.Room{}, storeErr(err)
	}
	// カーソル更新だけが残った不完全なレコードは再参加とみなさない
	rejoin := found && existing.ID == user.ID
	if rejoin {
		if err := s.rooms.TouchRoom(ctx, roomID, now); err != nil {
			return models.Room{}, storeErr(err)
		}
	} else if _, err := s.rooms.AdjustUsers(ctx, roomID, 1, now); err != nil {
		if errors.Is(err, repo.ErrRoomFull) {
			metrics.RoomFullRejections.Inc()
		}
		return models.Room{}, storeErr(err)
	}

	p := models.Presence{
		ID:            user.ID,
		Username:      user.DisplayName(),
		Email:         user.Email,
		Color:         s.pick(),
		LastActive:    now,
		IsOnline:      true,
		CurrentTool:   models.DefaultTool,
		SelectedColor: models.DefaultColor,
	}
	if rejoin {
		p.Color = existing.Color
		if existing.CurrentTool != "" {
			p.CurrentTool = existing.CurrentTool
		}
		if existing.SelectedColor != "" {
			p.SelectedColor = existing.SelectedColor
		}
	}

	if err := s.writePresence(ctx, connID, roomID, p); err != nil {
		if !rejoin {
			rbCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
			if _, rbErr := s.rooms.AdjustUsers(rbCtx, roomID, -1, now); rbErr != nil {
				log.WithError(rbErr).Error("failed to roll back occupancy after presence write failure")
			}
			cancel()
		}
		return models.Room{}, storeErr(err)
	}

	room, ok, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, storeErr(err)
	}
	if !ok {
		return models.Room{}, ErrNotFound
	}

	metrics.RoomJoins.Inc()
	log.WithFields(logrus.Fields{"current_users": room.CurrentUsers, "rejoin": rejoin}).Info("user joined room")
	return room, nil
}

func (s *PresenceService) writePresence(ctx context.Context, connID, roomID string, p models.Presence) error {
	if err := s.presence.PutPresence(ctx, roomID, p); err != nil {
		return err
	}
	if err := s.presence.MarkOfflineOnDisconnect(ctx, connID, roomID, p.ID); err != nil {
		rbCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		defer cancel()
		if rbErr := s.presence.RemovePresence(rbCtx, roomID, p.ID); rbErr != nil {
			logrus.WithError(rbErr).WithFields(logrus.Fields{"room_id": roomID, "user_id": p.ID}).Warn("failed to remove presence after hook registration failure")
		}
		return err
	}
	return nil
}

// Leave はユーザーをルームから退出させます
// 在室情報がなければ何もしません（2回目の退出は無害）
// 人数が0になったらルームごと削除します
func (s *PresenceService) Leave(ctx context.Context, user models.User, connID, roomID string) error {
	if user.ID == "" {
		return ErrUnauthenticated
	}
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": user.ID, "conn_id": connID})

	_, present, err := s.presence.GetPresence(ctx, roomID, user.ID)
	if err != nil {
		return storeErr(err)
	}
	if !present {
		log.Debug("leave without presence record ignored")
		return nil
	}

	if err := s.presence.RemovePresence(ctx, roomID, user.ID); err != nil {
		return storeErr(err)
	}
	if err := s.presence.CancelOfflineOnDisconnect(ctx, connID, roomID, user.ID); err != nil {
		log.WithError(err).Warn("failed to cancel disconnect hook")
	}

	remaining, err := s.rooms.AdjustUsers(ctx, roomID, -1, models.NowMillis())
	if errors.Is(err, repo.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	metrics.RoomLeaves.Inc()
	log.WithField("current_users", remaining).Info("user left room")

	if remaining == 0 {
		return s.registry.Teardown(ctx, roomID)
	}
	return nil
}

// UpdateCursor はカーソル位置だけを書き込みます（nilでキャンバス外）
func (s *PresenceService) UpdateCursor(ctx context.Context, user models.User, roomID string, c *models.Cursor) error {
	if user.ID == "" {
		return ErrUnauthenticated
	}
	var v any
	if c != nil {
		v = *c
	}
	return storeErr(s.presence.UpdatePresence(ctx, roomID, user.ID, map[string]any{"cursor": v}))
}

// UpdateTool は選択中のツールと色を書き込み、最終操作時刻を更新します
func (s *PresenceService) UpdateTool(ctx context.Context, user models.User, roomID, tool, color string) error {
	if user.ID == "" {
		return ErrUnauthenticated
	}
	if !pixel.IsTool(tool) {
		return errors.Join(ErrValidation, errors.New("unknown tool "+tool))
	}
	if !pixel.ValidColor(color) {
		return errors.Join(ErrValidation, errors.New("invalid color "+color))
	}
	now := models.NowMillis()
	if err := s.presence.UpdatePresence(ctx, roomID, user.ID, map[string]any{
		"currentTool":   tool,
		"selectedColor": color,
		"lastActive":    now,
	}); err != nil {
		return storeErr(err)
	}
	if err := s.rooms.TouchRoom(ctx, roomID, now); err != nil && !errors.Is(err, repo.ErrRoomNotFound) {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to bump room activity")
	}
	return nil
}

// Subscribe はオンラインの参加者一覧を変更のたびに配信します
// 一覧は表示名、ユーザーIDの順に並べます
func (s *PresenceService) Subscribe(ctx context.Context, roomID string, fn func([]models.Presence)) (func(), error) {
	cancel, err := s.presence.SubscribePresence(ctx, roomID, func(all []models.Presence) {
		fn(OnlineOnly(all))
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return cancel, nil
}

// OnlineOnly はオンラインの在室情報だけを並べ替えて返します
func OnlineOnly(all []models.Presence) []models.Presence {
	online := make([]models.Presence, 0, len(all))
	for _, p := range all {
		if p.IsOnline {
			online = append(online, p)
		}
	}
	sort.Slice(online, func(i, j int) bool {
		if online[i].Username != online[j].Username {
			return online[i].Username < online[j].Username
		}
		return online[i].ID < online[j].ID
	})
	return online
}

// Heartbeat は接続のリースを延長します
func (s *PresenceService) Heartbeat(ctx context.Context, connID string) error {
	if s.hb == nil {
		return nil
	}
	return storeErr(s.hb.Heartbeat(ctx, connID))
}
