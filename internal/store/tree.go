package store

import (
	"encoding/json"
	"sort"
)

// normalize は任意の値をJSONのデコード結果（map/[]any/スカラー）に揃えます
// nullのメンバーと空のオブジェクトは取り除きます
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if p := prune(child); p == nil {
				delete(t, k)
			} else {
				t[k] = p
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = prune(child)
		}
		return t
	default:
		return v
	}
}

// getIn はnodeからsegsで示される子を取り出します
func getIn(node any, segs []string) (any, bool) {
	cur := node
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[s]; !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// setIn はnodeのsegsの位置にvを設定した新しいルートを返します
// vがnilの場合は削除し、空になった親も取り除きます
func setIn(node any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := node.(map[string]any)
	if !ok {
		if v == nil {
			return node
		}
		m = map[string]any{}
	}
	child := setIn(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// mergeFields はfieldsをnodeにマージします
// キーには "a/b" のような相対パスも指定できます
func mergeFields(node any, fields map[string]any) (any, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		segs := splitPath(k)
		if len(segs) == 0 {
			return nil, ErrInvalidPath
		}
		v, err := normalize(fields[k])
		if err != nil {
			return nil, err
		}
		node = setIn(node, segs, v)
	}
	return node, nil
}

// snapshotOf はデコード済みの値からSnapshotを作ります
func snapshotOf(path string, v any) (Snapshot, error) {
	if v == nil {
		return Snapshot{Path: path}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Value: b, Exists: true}, nil
}
