package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SteamVC/pixelroom/internal/artwork"
	"github.com/SteamVC/pixelroom/internal/identity"
	"github.com/SteamVC/pixelroom/internal/service"
)

// ArtworkHandler はギャラリーの作品を返します
type ArtworkHandler struct {
	store artwork.Store
}

func NewArtworkHandler(s artwork.Store) *ArtworkHandler {
	return &ArtworkHandler{store: s}
}

// Get は作品を返します
// 非公開の作品はオーナー以外には存在しないものとして扱います
func (h *ArtworkHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := normalizeID(chi.URLParam(r, "artworkId"))
	if err := validateArtworkId(id); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, ok, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, errors.Join(service.ErrStoreUnavailable, err))
		return
	}
	if ok && !a.IsPublic {
		user, authed := identity.FromContext(r.Context())
		ok = authed && user.ID == a.OwnerID
	}
	if !ok {
		respondError(w, http.StatusNotFound, "artwork not found")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// Mine は自分の作品を新しい順に返します（?tag= で絞り込み）
func (h *ArtworkHandler) Mine(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	list, err := h.store.ListByOwner(r.Context(), user.ID, r.URL.Query().Get("tag"))
	if err != nil {
		writeServiceError(w, r, errors.Join(service.ErrStoreUnavailable, err))
		return
	}
	if list == nil {
		list = []artwork.Artwork{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"artworks": list})
}
