// Package store はパス指定のキーバリューツリーとリアルタイム配信の契約を定義します
// 購読・push・トランザクション・切断フックを提供し、
// メモリ、Redis、Firebase Realtime Database の実装を持ちます
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidPath = errors.New("store: invalid path")
	ErrClosed      = errors.New("store: closed")
)

// Snapshot はあるパスの時点の値です
// 子ノードはJSONオブジェクトのメンバーとして組み立てられます
type Snapshot struct {
	Path   string          // 読み取ったパス
	Value  json.RawMessage // 値（存在しない場合はnil）
	Exists bool            // 値が存在するかどうか
}

// Decode は値をvにデコードします
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return nil
	}
	return json.Unmarshal(s.Value, v)
}

// Children は子ノードをキーごとに返します
// 値がオブジェクトでない場合は空のmapを返します
func (s Snapshot) Children() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if !s.Exists {
		return out
	}
	if err := json.Unmarshal(s.Value, &out); err != nil {
		return map[string]json.RawMessage{}
	}
	return out
}

// Handler は購読の配信を受け取ります
// 1つの購読に対するHandlerの呼び出しは直列化されます
type Handler func(Snapshot)

// TxFunc は現在値を受け取り新しい値を返します
// nilを返すとノードを削除し、エラーを返すと書き込まずに中断します
type TxFunc func(current Snapshot) (any, error)

// Store はリアルタイム配信付きキーバリューツリーのクライアントです
// 同じパスへの書き込みは後勝ちで、異なるパス間の配信順序は保証しません
type Store interface {
	// Write はpath以下のサブツリーをvalueで置き換えます（nilは削除）
	Write(ctx context.Context, path string, value any) error
	// Update はpathのノードに指定した子をマージします（値nilの子は削除）
	Update(ctx context.Context, path string, fields map[string]any) error
	// Read はpath以下のサブツリーを読み取ります
	Read(ctx context.Context, path string) (Snapshot, error)
	// Remove はpath以下を削除します
	Remove(ctx context.Context, path string) error
	// Subscribe はpathの現在値を即時に1回、その後pathか祖先・子孫が変わるたびに配信します
	Subscribe(ctx context.Context, path string, h Handler) (func(), error)
	// PushUnique はpath配下で一意かつ時刻順の子キーを生成します（書き込みはしません）
	PushUnique(ctx context.Context, path string) (string, error)
	// Transaction はpathのノードを楽観的に読み取り・更新します
	Transaction(ctx context.Context, path string, fn TxFunc) (Snapshot, error)

	// OnDisconnect は接続connIDが消えたときにpathへ適用するUpdateを登録します
	OnDisconnect(ctx context.Context, connID, path string, fields map[string]any) error
	// CancelDisconnect は登録済みのフックを取り消します
	CancelDisconnect(ctx context.Context, connID, path string) error
	// Disconnect はconnIDのフックをすべて適用して破棄します
	Disconnect(ctx context.Context, connID string) error

	Close() error
}

// Heartbeater は接続のリースを延長できるバックエンドが実装します
type Heartbeater interface {
	Heartbeat(ctx context.Context, connID string) error
}

// CleanPath はパスを正規化します
// 空のセグメントを取り除き、Firebaseで使えない文字を含む場合はエラーを返します
func CleanPath(p string) (string, error) {
	segs := splitPath(p)
	for _, s := range segs {
		if strings.ContainsAny(s, ".#$[]") {
			return "", ErrInvalidPath
		}
	}
	return strings.Join(segs, "/"), nil
}

// Join はセグメントをパスに連結します
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		segs = append(segs, splitPath(p)...)
	}
	return strings.Join(segs, "/")
}

func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// related はaとbが同一か祖先・子孫の関係にあるかを返します
func related(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// writablePath は空でない正規化済みパスを返します
func writablePath(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", ErrInvalidPath
	}
	return clean, nil
}
