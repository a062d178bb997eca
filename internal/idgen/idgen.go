// Package idgen は時刻順に並ぶ一意なIDを生成します
// ストアのpushキーや接続IDに使用します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は単調増加するULIDを返します
// 同一プロセス内では発行順と辞書順が一致します
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnID はWebSocket接続ごとの識別子を生成します
// 切断フックのスコープとして使われます
func NewConnID() string {
	return "conn_" + NewULID()
}
