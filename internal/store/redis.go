package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/idgen"
)

// ErrTxConflict は楽観的トランザクションの再試行が上限に達したことを示します
var ErrTxConflict = errors.New("store: transaction retries exhausted")

const (
	maxTxRetries    = 25
	versionTTL      = 24 * time.Hour
	DefaultLeaseTTL = 30 * time.Second
)

// Redis はRedis上にツリーを平坦化して保持するStoreです
//
// 葉（スカラーまたは配列）はパスをフィールドとしてハッシュに保存し、
// ソート済みセットでパスの前方一致検索を行います。
// 変更はPUBLISHで全インスタンスに通知されます
type Redis struct {
	rdb      *redis.Client
	prefix   string
	leaseTTL time.Duration
	fan      *fanout
	pubsub   *redis.PubSub

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedis は変更チャンネルを購読した状態のRedisストアを作成します
func NewRedis(ctx context.Context, rdb *redis.Client, prefix string, leaseTTL time.Duration) (*Redis, error) {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	r := &Redis{
		rdb:      rdb,
		prefix:   prefix,
		leaseTTL: leaseTTL,
		done:     make(chan struct{}),
	}
	r.fan = newFanout(r.Read)

	r.pubsub = rdb.Subscribe(ctx, r.eventsKey())
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.eventsKey(), err)
	}
	go r.listen()
	return r, nil
}

func (r *Redis) leavesKey() string { return r.prefix + "leaves" }
func (r *Redis) indexKey() string { return r.prefix + "index" }
func (r *Redis) eventsKey() string { return r.prefix + "events" }
func (r *Redis) connsKey() string { return r.prefix + "conns" }
func (r *Redis) hooksKey(conn string) string { return r.prefix + "hooks:" + conn }
func (r *Redis) leaseKey(conn string) string { return r.prefix + "lease:" + conn }
func (r *Redis) verKey(kind, path string) string {
	return r.prefix + "ver:" + kind + ":" + path
}

func (r *Redis) listen() {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.fan.notify(msg.Payload)
		}
	}
}

// readScript はpath以下の葉をアトミックに読み取ります
// 戻り値は [path1, value1, path2, value2, ...]
const readScript = `
	local leaves_key = KEYS[1]
	local index_key = KEYS[2]
	local path = ARGV[1]

	local paths
	if path == '' then
		paths = redis.call('ZRANGEBYLEX', index_key, '-', '+')
	else
		paths = redis.call('ZRANGEBYLEX', index_key, '[' .. path .. '/', '(' .. path .. '0')
		if redis.call('HEXISTS', leaves_key, path) == 1 then
			table.insert(paths, path)
		end
	end

	local out = {}
	for _, p in ipairs(paths) do
		local v = redis.call('HGET', leaves_key, p)
		if v then
			table.insert(out, p)
			table.insert(out, v)
		end
	end
	return out
`

// takeHooksScript は接続のフックを取り出して登録情報ごと削除します
const takeHooksScript = `
	local hooks_key = KEYS[1]
	local lease_key = KEYS[2]
	local conns_key = KEYS[3]
	local conn = ARGV[1]

	local hooks = redis.call('HGETALL', hooks_key)
	redis.call('DEL', hooks_key, lease_key)
	redis.call('SREM', conns_key, conn)
	return hooks
`

type evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// readTree はpath以下の葉を読み取り、pathからの相対ツリーと葉のパス一覧を返します
func (r *Redis) readTree(ctx context.Context, c evaler, path string) (any, []string, error) {
	res, err := c.Eval(ctx, readScript, []string{r.leavesKey(), r.indexKey()}, path).Slice()
	if err != nil {
		return nil, nil, err
	}
	base := splitPath(path)
	var root any
	leaves := make([]string, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		p, ok := res[i].(string)
		if !ok {
			continue
		}
		raw, ok := res[i+1].(string)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, nil, fmt.Errorf("decode leaf %s: %w", p, err)
		}
		leaves = append(leaves, p)
		root = setIn(root, splitPath(p)[len(base):], v)
	}
	return root, leaves, nil
}

func (r *Redis) Read(ctx context.Context, path string) (Snapshot, error) {
	p, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	v, _, err := r.readTree(ctx, r.rdb, p)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(p, v)
}

// flatten はvalueをpath配下の葉に分解します
func flatten(path string, v any, out map[string]string) error {
	if m, ok := v.(map[string]any); ok {
		for k, child := range m {
			if err := flatten(path+"/"+k, child, out); err != nil {
				return err
			}
		}
		return nil
	}
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out[path] = string(b)
	return nil
}

// ancestors はpathの祖先を近い順に返します（ルートの "" を含む）
func ancestors(path string) []string {
	segs := splitPath(path)
	out := make([]string, 0, len(segs))
	for i := len(segs) - 1; i >= 0; i-- {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}

func (r *Redis) watchKeys(targets []string) []string {
	seen := map[string]struct{}{}
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, t := range targets {
		add(r.verKey("sub", t))
		for _, a := range ancestors(t) {
			add(r.verKey("set", a))
		}
	}
	return keys
}

func (r *Redis) bumpKeys(targets []string) []string {
	seen := map[string]struct{}{}
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, t := range targets {
		add(r.verKey("set", t))
		add(r.verKey("sub", t))
		for _, a := range ancestors(t) {
			add(r.verKey("sub", a))
		}
	}
	return keys
}

// mutate はtargetsの現在値をfnに渡し、その結果で置き換えます
// 競合した場合は読み直して再試行します
func (r *Redis) mutate(ctx context.Context, targets []string, fn func(cur []any) ([]any, error)) ([]any, error) {
	watch := r.watchKeys(targets)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var result []any
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur := make([]any, len(targets))
			stale := map[string]struct{}{}
			for i, t := range targets {
				v, leaves, err := r.readTree(ctx, tx, t)
				if err != nil {
					return err
				}
				cur[i] = v
				for _, l := range leaves {
					stale[l] = struct{}{}
				}
			}

			next, err := fn(cur)
			if err != nil {
				return err
			}

			fresh := map[string]string{}
			for i, t := range targets {
				if next[i] == nil {
					continue
				}
				if err := flatten(t, next[i], fresh); err != nil {
					return err
				}
				// 祖先がスカラーの葉なら置き換える
				anc := ancestors(t)
				anc = anc[:len(anc)-1]
				if len(anc) > 0 {
					vals, err := tx.HMGet(ctx, r.leavesKey(), anc...).Result()
					if err != nil {
						return err
					}
					for j, val := range vals {
						if val != nil {
							stale[anc[j]] = struct{}{}
						}
					}
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for p := range stale {
					if _, ok := fresh[p]; ok {
						continue
					}
					pipe.HDel(ctx, r.leavesKey(), p)
					pipe.ZRem(ctx, r.indexKey(), p)
				}
				if len(fresh) > 0 {
					fields := make([]any, 0, len(fresh)*2)
					members := make([]redis.Z, 0, len(fresh))
					for p, v := range fresh {
						fields = append(fields, p, v)
						members = append(members, redis.Z{Score: 0, Member: p})
					}
					pipe.HSet(ctx, r.leavesKey(), fields...)
					pipe.ZAdd(ctx, r.indexKey(), members...)
				}
				for _, k := range r.bumpKeys(targets) {
					pipe.Incr(ctx, k)
					pipe.PExpire(ctx, k, versionTTL)
				}
				for _, t := range targets {
					pipe.Publish(ctx, r.eventsKey(), t)
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = next
			return nil
		}, watch...)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrTxConflict
}

func (r *Redis) Write(ctx context.Context, path string, value any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	_, err = r.mutate(ctx, []string{p}, func([]any) ([]any, error) {
		return []any{v}, nil
	})
	return err
}

func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	targets := make([]string, len(keys))
	values := make([]any, len(keys))
	for i, k := range keys {
		rel, err := writablePath(k)
		if err != nil {
			return err
		}
		targets[i] = p + "/" + rel
		if values[i], err = normalize(fields[k]); err != nil {
			return err
		}
	}
	_, err = r.mutate(ctx, targets, func([]any) ([]any, error) {
		return values, nil
	})
	return err
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	return r.Write(ctx, path, nil)
}

func (r *Redis) Subscribe(ctx context.Context, path string, h Handler) (func(), error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	return r.fan.add(p, h)
}

func (r *Redis) PushUnique(ctx context.Context, path string) (string, error) {
	if _, err := writablePath(path); err != nil {
		return "", err
	}
	return idgen.NewULID(), nil
}

func (r *Redis) Transaction(ctx context.Context, path string, fn TxFunc) (Snapshot, error) {
	p, err := writablePath(path)
	if err != nil {
		return Snapshot{}, err
	}
	res, err := r.mutate(ctx, []string{p}, func(cur []any) ([]any, error) {
		snap, err := snapshotOf(p, cur[0])
		if err != nil {
			return nil, err
		}
		next, err := fn(snap)
		if err != nil {
			return nil, err
		}
		v, err := normalize(next)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(p, res[0])
}

func (r *Redis) OnDisconnect(ctx context.Context, connID, path string, fields map[string]any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.hooksKey(connID), p, b)
	pipe.SAdd(ctx, r.connsKey(), connID)
	pipe.Set(ctx, r.leaseKey(connID), 1, r.leaseTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) CancelDisconnect(ctx context.Context, connID, path string) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	return r.rdb.HDel(ctx, r.hooksKey(connID), p).Err()
}

// Heartbeat は接続のリースを延長します
func (r *Redis) Heartbeat(ctx context.Context, connID string) error {
	return r.rdb.Set(ctx, r.leaseKey(connID), 1, r.leaseTTL).Err()
}

func (r *Redis) Disconnect(ctx context.Context, connID string) error {
	res, err := r.rdb.Eval(ctx, takeHooksScript,
		[]string{r.hooksKey(connID), r.leaseKey(connID), r.connsKey()}, connID).StringSlice()
	if err != nil {
		return err
	}
	hooks := make(map[string]map[string]any, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		var fields map[string]any
		if err := json.Unmarshal([]byte(res[i+1]), &fields); err != nil {
			logrus.WithError(err).WithField("path", res[i]).Warn("store: dropping malformed disconnect hook")
			continue
		}
		hooks[res[i]] = fields
	}
	return applyHooks(ctx, r, hooks)
}

// Sweep はリースが切れた接続のフックを適用します
// 異常終了したインスタンスの接続を後始末するために定期的に呼び出します
func (r *Redis) Sweep(ctx context.Context) (int, error) {
	conns, err := r.rdb.SMembers(ctx, r.connsKey()).Result()
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, conn := range conns {
		n, err := r.rdb.Exists(ctx, r.leaseKey(conn)).Result()
		if err != nil {
			return swept, err
		}
		if n == 1 {
			continue
		}
		if err := r.Disconnect(ctx, conn); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// Close は購読を停止します（Redisクライアント自体は閉じません）
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.pubsub.Close()
		r.fan.close()
	})
	return err
}
