// Package models はアプリケーションで使用するデータ構造を定義します
// JSONのフィールド名は既存のブラウザクライアントと互換です
package models

import "time"

// 既定値
const (
	DefaultWidth      = 32        // キャンバスの既定の幅（セル数）
	DefaultHeight     = 32        // キャンバスの既定の高さ（セル数）
	DefaultPixelSize  = 12        // 1セルの表示サイズ（px）
	DefaultBackground = "#ffffff" // 背景色
	DefaultMaxUsers   = 10        // ルームの既定の最大人数
	DefaultTool       = "pen"     // 参加直後のツール
	DefaultColor      = "#000000" // 参加直後の描画色
	MaxDimension      = 64        // プリセットで選べる最大サイズ
)

// SystemUserID はシステムメッセージの送信者IDです
const SystemUserID = "system"

// User は認証済みユーザーの情報を表します
// IDプロバイダーから渡され、このパッケージ外では読み取り専用です
type User struct {
	ID    string `json:"id"`              // ユーザーの一意な識別子
	Name  string `json:"name"`            // 表示名
	Email string `json:"email,omitempty"` // メールアドレス（オプショナル）
}

// DisplayName は表示用の名前を返します
// 表示名がなければメールアドレス、それもなければ "Anonymous" を返します
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Email != "" {
		return u.Email
	}
	return "Anonymous"
}

// CanvasData はピクセルグリッドのスナップショットを表します
type CanvasData struct {
	Pixels      [][]string `json:"pixels"`                // 行×列の色（#rrggbb）
	Width       int        `json:"width"`                 // 列数
	Height      int        `json:"height"`                // 行数
	PixelSize   int        `json:"pixelSize"`             // 1セルの表示サイズ
	LastUpdated int64      `json:"lastUpdated,omitempty"` // 最終更新（Unixミリ秒）
}

// Room は共同描画ルームの情報を表します
type Room struct {
	ID           string      `json:"id"`                    // ルームの一意な識別子
	Name         string      `json:"name"`                  // ルーム名
	Description  string      `json:"description,omitempty"` // 説明（オプショナル）
	OwnerID      string      `json:"ownerId"`               // 作成者のユーザーID
	OwnerName    string      `json:"ownerName"`             // 作成者の表示名
	MaxUsers     int         `json:"maxUsers"`              // 最大参加人数
	CurrentUsers int         `json:"currentUsers"`          // 現在の参加人数（明示的な退出でのみ減る）
	IsPublic     bool        `json:"isPublic"`              // 公開ルームかどうか
	CreatedAt    int64       `json:"createdAt"`             // 作成日時（Unixミリ秒）
	LastActivity int64       `json:"lastActivity"`          // 最終アクティビティ（Unixミリ秒）
	CanvasData   *CanvasData `json:"canvasData,omitempty"`  // 作成時のキャンバス
}

// Full は参加人数が上限に達しているかを返します
func (r Room) Full() bool {
	return r.CurrentUsers >= r.MaxUsers
}

// Cursor はグリッド座標上のカーソル位置です
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Presence はルーム内の1ユーザーの在室情報を表します
type Presence struct {
	ID            string  `json:"id"`              // ユーザーID
	Username      string  `json:"username"`        // 表示名
	Email         string  `json:"email,omitempty"` // メールアドレス
	Color         string  `json:"color"`           // パレットから割り当てられた色
	Cursor        *Cursor `json:"cursor"`          // カーソル位置（キャンバス外ならnil）
	LastActive    int64   `json:"lastActive"`      // 最終操作（Unixミリ秒）
	IsOnline      bool    `json:"isOnline"`        // オンラインかどうか（切断フックでfalseになる）
	CurrentTool   string  `json:"currentTool"`     // 選択中のツール
	SelectedColor string  `json:"selectedColor"`   // 選択中の色
}

// MessageType はチャットメッセージの種類です
type MessageType string

const (
	MessageUser   MessageType = "message"
	MessageSystem MessageType = "system"
	MessageAction MessageType = "action"
)

// ChatMessage はルームチャットの1メッセージを表します
type ChatMessage struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"type"`
}

// ActionKind はキャンバス操作ログの種類です
type ActionKind string

const (
	ActionDraw  ActionKind = "draw"
	ActionErase ActionKind = "erase"
	ActionFill  ActionKind = "fill"
	ActionClear ActionKind = "clear"
	ActionUndo  ActionKind = "undo"
	ActionRedo  ActionKind = "redo"
)

// CanvasAction は書き込み専用の操作ログです
// 通常の同期処理では読み戻しません
type CanvasAction struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Username  string     `json:"username"`
	Action    ActionKind `json:"action"`
	X         *int       `json:"x,omitempty"`
	Y         *int       `json:"y,omitempty"`
	Color     string     `json:"color,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// NowMillis は現在時刻をUnixミリ秒で返します
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
