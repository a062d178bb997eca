// Package repo はストア上のパス配置と型付きの読み書きを担当します
//
//	rooms/{roomId}              ルーム
//	presence/{roomId}/{userId}  在室情報
//	chat/{roomId}/{messageId}   チャット
//	canvas/{roomId}             共有キャンバス
//	actions/{roomId}/{actionId} 操作ログ（書き込みのみ）
package repo

import (
	"context"
	"errors"

	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/store"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

const (
	roomsRoot    = "rooms"
	presenceRoot = "presence"
	chatRoot     = "chat"
	canvasRoot   = "canvas"
	actionsRoot  = "actions"
)

func RoomPath(roomID string) string { return store.Join(roomsRoot, roomID) }
func PresencePath(roomID, userID string) string {
	return store.Join(presenceRoot, roomID, userID)
}
func PresenceRoomPath(roomID string) string { return store.Join(presenceRoot, roomID) }
func ChatPath(roomID string) string { return store.Join(chatRoot, roomID) }
func CanvasPath(roomID string) string { return store.Join(canvasRoot, roomID) }
func ActionsPath(roomID string) string { return store.Join(actionsRoot, roomID) }

type RoomRepo interface {
	NewRoomID(ctx context.Context) (string, error)
	CreateRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, roomID string) (models.Room, bool, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	TouchRoom(ctx context.Context, roomID string, at int64) error

	// AdjustUsers はcurrentUsersをdelta分だけ変更し、変更後の値を返します
	// 増やす場合は上限を超えるとErrRoomFull、0未満にはなりません
	AdjustUsers(ctx context.Context, roomID string, delta int, at int64) (int, error)
}

type PresenceRepo interface {
	PutPresence(ctx context.Context, roomID string, p models.Presence) error
	UpdatePresence(ctx context.Context, roomID, userID string, fields map[string]any) error
	GetPresence(ctx context.Context, roomID, userID string) (models.Presence, bool, error)
	RemovePresence(ctx context.Context, roomID, userID string) error
	SubscribePresence(ctx context.Context, roomID string, fn func([]models.Presence)) (func(), error)

	MarkOfflineOnDisconnect(ctx context.Context, connID, roomID, userID string) error
	CancelOfflineOnDisconnect(ctx context.Context, connID, roomID, userID string) error
}

type CanvasRepo interface {
	PutCanvas(ctx context.Context, roomID string, c models.CanvasData) error
	GetCanvas(ctx context.Context, roomID string) (models.CanvasData, bool, error)
	SubscribeCanvas(ctx context.Context, roomID string, fn func(models.CanvasData)) (func(), error)
	AppendAction(ctx context.Context, roomID string, a models.CanvasAction) (string, error)
}

type ChatRepo interface {
	AppendMessage(ctx context.Context, roomID string, m models.ChatMessage) (string, error)
	SubscribeChat(ctx context.Context, roomID string, fn func([]models.ChatMessage)) (func(), error)
}
