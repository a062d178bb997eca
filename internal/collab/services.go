package collab

import (
	"github.com/SteamVC/pixelroom/internal/artwork"
	"github.com/SteamVC/pixelroom/internal/repo"
	"github.com/SteamVC/pixelroom/internal/service"
	"github.com/SteamVC/pixelroom/internal/store"
)

// NewServices はストアの上にサービス群を組み立てます
// artworksはnilでもよく、その場合ギャラリー操作はErrStoreUnavailableになります
func NewServices(st store.Store, artworks artwork.Store) Services {
	r := repo.NewTreeRepo(st)
	var hb store.Heartbeater
	if h, ok := st.(store.Heartbeater); ok {
		hb = h
	}
	rooms := service.NewRoomService(r, r)
	chat := service.NewChatService(r)
	return Services{
		Rooms:    rooms,
		Presence: service.NewPresenceService(r, r, rooms, hb),
		Canvas:   service.NewCanvasService(r, r, chat),
		Chat:     chat,
		Artworks: artworks,
	}
}
