package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/idgen"
)

const DefaultPollInterval = time.Second

// Firebase はFirebase Realtime Databaseを使うStoreです
//
// Admin SDKにはリアルタイムリスナーがないため、購読中のパスを
// ETag付きでポーリングして変更を検出します。
// 自分の書き込みは即座にローカルの購読者へ通知します
type Firebase struct {
	client   *db.Client
	interval time.Duration
	fan      *fanout
	hooks    *hookRegistry

	mu    sync.Mutex
	etags map[string]string

	closeOnce sync.Once
	done      chan struct{}
}

// NewFirebase はポーリングを開始した状態のFirebaseストアを作成します
func NewFirebase(client *db.Client, interval time.Duration) *Firebase {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	f := &Firebase{
		client:   client,
		interval: interval,
		hooks:    newHookRegistry(),
		etags:    make(map[string]string),
		done:     make(chan struct{}),
	}
	f.fan = newFanout(f.Read)
	go f.poll()
	return f
}

func (f *Firebase) ref(path string) *db.Ref {
	return f.client.NewRef("/" + path)
}

func (f *Firebase) poll() {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-t.C:
			f.pollOnce()
		}
	}
}

func (f *Firebase) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), f.interval*5)
	defer cancel()

	paths := f.fan.paths()
	live := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		live[p] = struct{}{}
		f.mu.Lock()
		etag, seen := f.etags[p]
		f.mu.Unlock()

		var raw json.RawMessage
		if !seen {
			tag, err := f.ref(p).GetWithETag(ctx, &raw)
			if err != nil {
				logrus.WithError(err).WithField("path", p).Warn("firebase: initial poll failed")
				continue
			}
			f.setETag(p, tag)
			continue
		}
		changed, tag, err := f.ref(p).GetIfChanged(ctx, etag, &raw)
		if err != nil {
			logrus.WithError(err).WithField("path", p).Warn("firebase: poll failed")
			continue
		}
		if changed {
			f.setETag(p, tag)
			f.fan.notify(p)
		}
	}

	f.mu.Lock()
	for p := range f.etags {
		if _, ok := live[p]; !ok {
			delete(f.etags, p)
		}
	}
	f.mu.Unlock()
}

func (f *Firebase) setETag(path, tag string) {
	f.mu.Lock()
	f.etags[path] = tag
	f.mu.Unlock()
}

func rawSnapshot(path string, raw json.RawMessage) Snapshot {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Snapshot{Path: path}
	}
	return Snapshot{Path: path, Value: raw, Exists: true}
}

func (f *Firebase) Read(ctx context.Context, path string) (Snapshot, error) {
	p, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	var raw json.RawMessage
	if err := f.ref(p).Get(ctx, &raw); err != nil {
		return Snapshot{}, err
	}
	return rawSnapshot(p, raw), nil
}

func (f *Firebase) Write(ctx context.Context, path string, value any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	if v == nil {
		err = f.ref(p).Delete(ctx)
	} else {
		err = f.ref(p).Set(ctx, v)
	}
	if err != nil {
		return err
	}
	f.fan.notify(p)
	return nil
}

func (f *Firebase) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, raw := range fields {
		rel, err := writablePath(k)
		if err != nil {
			return err
		}
		if values[rel], err = normalize(raw); err != nil {
			return err
		}
	}
	if err := f.ref(p).Update(ctx, values); err != nil {
		return err
	}
	f.fan.notify(p)
	return nil
}

func (f *Firebase) Remove(ctx context.Context, path string) error {
	return f.Write(ctx, path, nil)
}

func (f *Firebase) Subscribe(ctx context.Context, path string, h Handler) (func(), error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	return f.fan.add(p, h)
}

// PushUnique はULIDで時刻順のキーを生成します
func (f *Firebase) PushUnique(ctx context.Context, path string) (string, error) {
	if _, err := writablePath(path); err != nil {
		return "", err
	}
	return idgen.NewULID(), nil
}

func (f *Firebase) Transaction(ctx context.Context, path string, fn TxFunc) (Snapshot, error) {
	p, err := writablePath(path)
	if err != nil {
		return Snapshot{}, err
	}
	var last any
	err = f.ref(p).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var raw json.RawMessage
		if err := node.Unmarshal(&raw); err != nil {
			return nil, err
		}
		next, err := fn(rawSnapshot(p, raw))
		if err != nil {
			return nil, err
		}
		if last, err = normalize(next); err != nil {
			return nil, err
		}
		return last, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	f.fan.notify(p)
	return snapshotOf(p, last)
}

func (f *Firebase) OnDisconnect(ctx context.Context, connID, path string, fields map[string]any) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	f.hooks.register(connID, p, fields)
	return nil
}

func (f *Firebase) CancelDisconnect(ctx context.Context, connID, path string) error {
	p, err := writablePath(path)
	if err != nil {
		return err
	}
	f.hooks.cancel(connID, p)
	return nil
}

func (f *Firebase) Disconnect(ctx context.Context, connID string) error {
	return applyHooks(ctx, f, f.hooks.take(connID))
}

func (f *Firebase) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.fan.close()
	})
	return nil
}
