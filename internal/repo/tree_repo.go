package repo

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/store"
)

// TreeRepo はstore.Store上に各リポジトリを実装します
type TreeRepo struct{ s store.Store }

func NewTreeRepo(s store.Store) *TreeRepo {
	return &TreeRepo{s: s}
}

// Store は下位のストアを返します
func (tr *TreeRepo) Store() store.Store { return tr.s }

func (tr *TreeRepo) NewRoomID(ctx context.Context) (string, error) {
	return tr.s.PushUnique(ctx, roomsRoot)
}

func (tr *TreeRepo) CreateRoom(ctx context.Context, room models.Room) error {
	return tr.s.Write(ctx, RoomPath(room.ID), room)
}

func (tr *TreeRepo) GetRoom(ctx context.Context, roomID string) (models.Room, bool, error) {
	snap, err := tr.s.Read(ctx, RoomPath(roomID))
	if err != nil {
		return models.Room{}, false, err
	}
	if !snap.Exists { // データがない
		return models.Room{}, false, nil
	}
	var r models.Room
	if err := snap.Decode(&r); err != nil {
		return models.Room{}, false, err
	}
	return r, true, nil
}

func (tr *TreeRepo) ListRooms(ctx context.Context) ([]models.Room, error) {
	snap, err := tr.s.Read(ctx, roomsRoot)
	if err != nil {
		return nil, err
	}
	children := snap.Children()
	res := make([]models.Room, 0, len(children))
	for id, raw := range children {
		var r models.Room
		if err := json.Unmarshal(raw, &r); err != nil {
			logrus.WithError(err).WithField("room_id", id).Warn("repo: skipping malformed room")
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		res = append(res, r)
	}
	return res, nil
}

// DeleteRoom はルームと配下のチャット・キャンバス・在室情報・操作ログを削除します
// 途中で失敗しても残りの削除は試みます
func (tr *TreeRepo) DeleteRoom(ctx context.Context, roomID string) error {
	paths := []string{
		RoomPath(roomID),
		ChatPath(roomID),
		CanvasPath(roomID),
		PresenceRoomPath(roomID),
		ActionsPath(roomID),
	}
	var errs []error
	for _, p := range paths {
		if err := tr.s.Remove(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TouchRoom はlastActivityを更新します
// 削除済みのルームを部分的に作り直さないよう、存在しなければErrRoomNotFoundを返します
func (tr *TreeRepo) TouchRoom(ctx context.Context, roomID string, at int64) error {
	_, err := tr.s.Transaction(ctx, RoomPath(roomID), func(cur store.Snapshot) (any, error) {
		if !cur.Exists {
			return nil, ErrRoomNotFound
		}
		var raw map[string]any
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		raw["lastActivity"] = at
		return raw, nil
	})
	return err
}

func (tr *TreeRepo) AdjustUsers(ctx context.Context, roomID string, delta int, at int64) (int, error) {
	var count int
	_, err := tr.s.Transaction(ctx, RoomPath(roomID), func(cur store.Snapshot) (any, error) {
		if !cur.Exists {
			return nil, ErrRoomNotFound
		}
		var room models.Room
		if err := cur.Decode(&room); err != nil {
			return nil, err
		}
		// 未知のフィールドを保つためmapのまま書き戻す
		var raw map[string]any
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}

		next := room.CurrentUsers + delta
		if delta > 0 && next > room.MaxUsers {
			return nil, ErrRoomFull
		}
		if next < 0 {
			next = 0
		}
		raw["currentUsers"] = next
		raw["lastActivity"] = at
		count = next
		return raw, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (tr *TreeRepo) PutPresence(ctx context.Context, roomID string, p models.Presence) error {
	return tr.s.Write(ctx, PresencePath(roomID, p.ID), p)
}

func (tr *TreeRepo) UpdatePresence(ctx context.Context, roomID, userID string, fields map[string]any) error {
	return tr.s.Update(ctx, PresencePath(roomID, userID), fields)
}

func (tr *TreeRepo) GetPresence(ctx context.Context, roomID, userID string) (models.Presence, bool, error) {
	snap, err := tr.s.Read(ctx, PresencePath(roomID, userID))
	if err != nil {
		return models.Presence{}, false, err
	}
	if !snap.Exists {
		return models.Presence{}, false, nil
	}
	var p models.Presence
	if err := snap.Decode(&p); err != nil {
		return models.Presence{}, false, err
	}
	return p, true, nil
}

func (tr *TreeRepo) RemovePresence(ctx context.Context, roomID, userID string) error {
	return tr.s.Remove(ctx, PresencePath(roomID, userID))
}

// SubscribePresence はルームの在室情報をすべて（オフラインを含む）配信します
func (tr *TreeRepo) SubscribePresence(ctx context.Context, roomID string, fn func([]models.Presence)) (func(), error) {
	return tr.s.Subscribe(ctx, PresenceRoomPath(roomID), func(snap store.Snapshot) {
		children := snap.Children()
		res := make([]models.Presence, 0, len(children))
		for uid, raw := range children {
			var p models.Presence
			if err := json.Unmarshal(raw, &p); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "user_id": uid}).Warn("repo: skipping malformed presence")
				continue
			}
			if p.ID == "" {
				p.ID = uid
			}
			res = append(res, p)
		}
		fn(res)
	})
}

func (tr *TreeRepo) MarkOfflineOnDisconnect(ctx context.Context, connID, roomID, userID string) error {
	return tr.s.OnDisconnect(ctx, connID, PresencePath(roomID, userID), map[string]any{"isOnline": false})
}

func (tr *TreeRepo) CancelOfflineOnDisconnect(ctx context.Context, connID, roomID, userID string) error {
	return tr.s.CancelDisconnect(ctx, connID, PresencePath(roomID, userID))
}

func (tr *TreeRepo) PutCanvas(ctx context.Context, roomID string, c models.CanvasData) error {
	return tr.s.Write(ctx, CanvasPath(roomID), c)
}

func (tr *TreeRepo) GetCanvas(ctx context.Context, roomID string) (models.CanvasData, bool, error) {
	snap, err := tr.s.Read(ctx, CanvasPath(roomID))
	if err != nil {
		return models.CanvasData{}, false, err
	}
	if !snap.Exists {
		return models.CanvasData{}, false, nil
	}
	var c models.CanvasData
	if err := snap.Decode(&c); err != nil {
		return models.CanvasData{}, false, err
	}
	return c, true, nil
}

// SubscribeCanvas は存在するスナップショットのみを配信します
func (tr *TreeRepo) SubscribeCanvas(ctx context.Context, roomID string, fn func(models.CanvasData)) (func(), error) {
	return tr.s.Subscribe(ctx, CanvasPath(roomID), func(snap store.Snapshot) {
		if !snap.Exists {
			return
		}
		var c models.CanvasData
		if err := snap.Decode(&c); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("repo: skipping malformed canvas")
			return
		}
		fn(c)
	})
}

func (tr *TreeRepo) AppendAction(ctx context.Context, roomID string, a models.CanvasAction) (string, error) {
	id, err := tr.s.PushUnique(ctx, ActionsPath(roomID))
	if err != nil {
		return "", err
	}
	a.ID = id
	if err := tr.s.Write(ctx, store.Join(ActionsPath(roomID), id), a); err != nil {
		return "", err
	}
	return id, nil
}

func (tr *TreeRepo) AppendMessage(ctx context.Context, roomID string, m models.ChatMessage) (string, error) {
	id, err := tr.s.PushUnique(ctx, ChatPath(roomID))
	if err != nil {
		return "", err
	}
	m.ID = id
	if err := tr.s.Write(ctx, store.Join(ChatPath(roomID), id), m); err != nil {
		return "", err
	}
	return id, nil
}

// SubscribeChat はメッセージ一覧を配信します（順序は保証しません）
func (tr *TreeRepo) SubscribeChat(ctx context.Context, roomID string, fn func([]models.ChatMessage)) (func(), error) {
	return tr.s.Subscribe(ctx, ChatPath(roomID), func(snap store.Snapshot) {
		children := snap.Children()
		res := make([]models.ChatMessage, 0, len(children))
		for id, raw := range children {
			var m models.ChatMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "message_id": id}).Warn("repo: skipping malformed message")
				continue
			}
			if m.ID == "" {
				m.ID = id
			}
			res = append(res, m)
		}
		fn(res)
	})
}
