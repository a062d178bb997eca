package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/pixel"
	"github.com/SteamVC/pixelroom/internal/service"
)

// maxImageScale はPNG出力で指定できる1セルの最大サイズです
const maxImageScale = 64

type RoomHandler struct {
	rooms  *service.RoomService
	canvas *service.CanvasService
}

func NewRoomHandler(rooms *service.RoomService, canvas *service.CanvasService) *RoomHandler {
	return &RoomHandler{rooms: rooms, canvas: canvas}
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var in service.CreateRoomInput
	if !decodeJSON(w, r, &in) {
		return
	}

	id, err := h.rooms.Create(r.Context(), user, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "roomId": id})
}

// List は参加可能な公開ルームを返します
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.ListPublic(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	for i := range rooms {
		rooms[i].CanvasData = nil
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, ok, err := h.rooms.Get(r.Context(), roomId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	room.CanvasData = nil
	respondJSON(w, http.StatusOK, room)
}

// Delete はルームを削除します（オーナーのみ）
func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.rooms.Delete(r.Context(), user, roomId); err != nil {
		writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Canvas はルームの最新のキャンバスを返します
func (h *RoomHandler) Canvas(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok, err := h.canvas.Get(r.Context(), roomId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "canvas not found")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// CanvasPNG はキャンバスをPNGで返します
// ?scale=N で1セルの大きさを指定できます（既定はキャンバスのpixelSize）
func (h *RoomHandler) CanvasPNG(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok, err := h.canvas.Get(r.Context(), roomId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "canvas not found")
		return
	}

	scale := c.PixelSize
	if v := r.URL.Query().Get("scale"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxImageScale {
			respondError(w, http.StatusBadRequest, "scale must be between 1 and 64")
			return
		}
		scale = n
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := pixel.NewDrawing(pixel.Grid(c.Pixels), scale).ExportPNG(w); err != nil {
		logrus.WithError(err).WithField("room_id", roomId).Warn("failed to encode canvas png")
	}
}
