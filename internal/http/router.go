package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SteamVC/pixelroom/internal/handlers"
	"github.com/SteamVC/pixelroom/internal/identity"
	"github.com/SteamVC/pixelroom/internal/metrics"
)

// Handlers はルーターに登録するハンドラー群です
type Handlers struct {
	Rooms     *handlers.RoomHandler
	Artworks  *handlers.ArtworkHandler
	WebSocket *handlers.WebSocketHandler
}

func NewRouter(h Handlers, auth *identity.JWT, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(metrics.Middleware)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identity.Middleware(auth))

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", h.Rooms.List)
			r.Post("/", h.Rooms.Create)
			r.Get("/{roomId}", h.Rooms.Get)
			r.Delete("/{roomId}", h.Rooms.Delete)
			r.Get("/{roomId}/canvas", h.Rooms.Canvas)
			r.Get("/{roomId}/canvas.png", h.Rooms.CanvasPNG)
			// WebSocketエンドポイント（接続と同時に参加）
			r.Get("/{roomId}/ws", h.WebSocket.HandleWebSocket)
		})

		r.Route("/artworks", func(r chi.Router) {
			r.Get("/", h.Artworks.Mine)
			r.Get("/{artworkId}", h.Artworks.Get)
		})

		// ルームに参加せずに接続するWebSocketエンドポイント
		r.Get("/ws", h.WebSocket.HandleWebSocket)
	})

	return r
}
