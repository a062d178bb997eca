package store

import (
	"context"
	"sync"

	"github.com/SteamVC/pixelroom/internal/idgen"
)

// Memory はプロセス内のJSONツリーで動くStoreです
// テストと単一インスタンス構成で使用します
type Memory struct {
	mu     sync.RWMutex
	root   any
	fan    *fanout
	hooks  *hookRegistry
	closed bool
}

// NewMemory は空のメモリストアを作成します
func NewMemory() *Memory {
	m := &Memory{hooks: newHookRegistry()}
	m.fan = newFanout(m.Read)
	return m
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.root = setIn(m.root, splitPath(p), v)
	m.mu.Unlock()

	m.fan.notify(p)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	node, _ := getIn(m.root, splitPath(p))
	merged, err := mergeFields(node, fields)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.root = setIn(m.root, splitPath(p), merged)
	m.mu.Unlock()

	m.fan.notify(p)
	return nil
}

func (m *Memory) Read(ctx context.Context, path string) (Snapshot, error) {
	p, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	v, ok := getIn(m.root, splitPath(p))
	if !ok {
		return Snapshot{Path: p}, nil
	}
	return snapshotOf(p, v)
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	return m.Write(ctx, path, nil)
}

func (m *Memory) Subscribe(ctx context.Context, path string, h Handler) (func(), error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	return m.fan.add(p, h)
}

func (m *Memory) PushUnique(ctx context.Context, path string) (string, error) {
	if _, err := writablePath(path); err != nil {
		return "", err
	}
	return idgen.NewULID(), nil
}

// Transaction はストア全体のロックを保持したままfnを呼び出します
// fnの中から同じストアを呼び出してはいけません
func (m *Memory) Transaction(ctx context.Context, path string, fn TxFunc) (Snapshot, error) {
	p, err := writablePath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	segs := splitPath(p)
	cur, _ := getIn(m.root, segs)
	before, err := snapshotOf(p, cur)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	next, err := fn(before)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	v, err := normalize(next)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	m.root = setIn(m.root, segs, v)
	after, err := snapshotOf(p, v)
	m.mu.Unlock()
	if err != nil {
		return Snapshot{}, err
	}

	m.fan.notify(p)
	return after, nil
}

func (m *Memory) OnDisconnect(ctx context.Context, connID, path string, fields map[string]any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	m.hooks.register(connID, p, fields)
	return nil
}

func (m *Memory) CancelDisconnect(ctx context.Context, connID, path string) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	m.hooks.cancel(connID, p)
	return nil
}

func (m *Memory) Disconnect(ctx context.Context, connID string) error {
	return applyHooks(ctx, m, m.hooks.take(connID))
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.fan.close()
	return nil
}
