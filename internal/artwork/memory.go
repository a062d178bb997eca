package artwork

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore はプロセス内に作品を保持します
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Artwork
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Artwork)}
}

func (m *MemoryStore) Create(ctx context.Context, ownerID, ownerName string, in CreateInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	a := Artwork{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		OwnerName:   ownerName,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Pixels:      cloneRows(in.Pixels),
		Width:       in.Width,
		Height:      in.Height,
		PixelSize:   in.PixelSize,
		Tags:        normalizeTags(in.Tags),
		IsPublic:    in.IsPublic,
		CreatedAt:   time.Now().UTC(),
	}
	m.mu.Lock()
	m.byID[a.ID] = a
	m.mu.Unlock()
	return a.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Artwork, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return Artwork{}, false, nil
	}
	a.Pixels = cloneRows(a.Pixels)
	return a, true, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID, tag string) ([]Artwork, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Artwork
	for _, a := range m.byID {
		if a.OwnerID != ownerID || (tag != "" && !a.HasTag(tag)) {
			continue
		}
		a.Pixels = cloneRows(a.Pixels)
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func cloneRows(rows [][]string) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
