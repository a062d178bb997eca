package store

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// fanout はローカルの購読者を管理し、変更通知を配信します
// 通知は購読ごとに1つへ集約され、配信時に最新値を読み直します
type fanout struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	read   func(ctx context.Context, path string) (Snapshot, error)
	closed bool
}

type subscription struct {
	path    string
	handler Handler
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newFanout(read func(ctx context.Context, path string) (Snapshot, error)) *fanout {
	return &fanout{subs: make(map[uint64]*subscription), read: read}
}

// add は購読を登録し、初回配信を予約します
func (f *fanout) add(path string, h Handler) (func(), error) {
	sub := &subscription{
		path:    path,
		handler: h,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	sub.signal <- struct{}{}
	go f.run(sub)

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.stop()
	}
	return cancel, nil
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (f *fanout) run(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.signal:
		}
		snap, err := f.read(context.Background(), sub.path)
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("path", sub.path).Warn("store: failed to read subscribed path")
			continue
		}
		select {
		case <-sub.done:
			return
		default:
		}
		sub.handler(snap)
	}
}

// notify はpathに関係する購読すべてに変更を知らせます
func (f *fanout) notify(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if !related(sub.path, path) {
			continue
		}
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// paths は購読中のパス一覧を返します（重複なし）
func (f *fanout) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{}, len(f.subs))
	out := make([]string, 0, len(f.subs))
	for _, sub := range f.subs {
		if _, ok := seen[sub.path]; ok {
			continue
		}
		seen[sub.path] = struct{}{}
		out = append(out, sub.path)
	}
	return out
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, sub := range f.subs {
		sub.stop()
		delete(f.subs, id)
	}
}
