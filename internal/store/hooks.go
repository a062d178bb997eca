package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// errHookTargetGone は適用先のノードが既に削除されていることを示します
var errHookTargetGone = errors.New("store: disconnect hook target is gone")

// hookRegistry はプロセス内で保持する切断フックです
// 接続ID → パス → 適用するフィールド
type hookRegistry struct {
	mu     sync.Mutex
	byConn map[string]map[string]map[string]any
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{byConn: make(map[string]map[string]map[string]any)}
}

func (r *hookRegistry) register(connID, path string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := r.byConn[connID]
	if hooks == nil {
		hooks = make(map[string]map[string]any)
		r.byConn[connID] = hooks
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	hooks[path] = copied
}

func (r *hookRegistry) cancel(connID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := r.byConn[connID]
	if hooks == nil {
		return
	}
	delete(hooks, path)
	if len(hooks) == 0 {
		delete(r.byConn, connID)
	}
}

func (r *hookRegistry) take(connID string) map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := r.byConn[connID]
	delete(r.byConn, connID)
	return hooks
}

// applyHooks はフックをパス順にマージします
// ルーム削除などで消えたノードは作り直さずに読み飛ばします
// 途中で失敗しても残りは適用し、最初のエラーを返します
func applyHooks(ctx context.Context, s Store, hooks map[string]map[string]any) error {
	paths := make([]string, 0, len(hooks))
	for p := range hooks {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var firstErr error
	for _, p := range paths {
		err := applyHook(ctx, s, p, hooks[p])
		if err != nil && !errors.Is(err, errHookTargetGone) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func applyHook(ctx context.Context, s Store, path string, fields map[string]any) error {
	_, err := s.Transaction(ctx, path, func(cur Snapshot) (any, error) {
		if !cur.Exists {
			return nil, errHookTargetGone
		}
		node := map[string]any{}
		if err := cur.Decode(&node); err != nil {
			return nil, err
		}
		for k, v := range fields {
			if v == nil {
				delete(node, k)
				continue
			}
			node[k] = v
		}
		return node, nil
	})
	return err
}
