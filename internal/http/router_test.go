package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteamVC/pixelroom/internal/artwork"
	"github.com/SteamVC/pixelroom/internal/collab"
	"github.com/SteamVC/pixelroom/internal/handlers"
	"github.com/SteamVC/pixelroom/internal/identity"
	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/service"
	"github.com/SteamVC/pixelroom/internal/store"
)

var (
	alice = models.User{ID: "u-alice", Name: "Alice"}
	bob   = models.User{ID: "u-bob", Name: "Bob"}
)

type testServer struct {
	*httptest.Server
	st   *store.Memory
	svc  collab.Services
	arts *artwork.MemoryStore
	jwt  *identity.JWT
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	arts := artwork.NewMemoryStore()
	svc := collab.NewServices(st, arts)
	auth := identity.NewJWT("test-secret", time.Hour)

	router := NewRouter(Handlers{
		Rooms:     handlers.NewRoomHandler(svc.Rooms, svc.Canvas),
		Artworks:  handlers.NewArtworkHandler(arts),
		WebSocket: handlers.NewWebSocketHandler(svc, st, handlers.WebSocketOptions{JoinTimeout: time.Second}),
	}, auth, nil)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = st.Close()
	})
	return &testServer{Server: srv, st: st, svc: svc, arts: arts, jwt: auth}
}

func (s *testServer) token(t *testing.T, u models.User) string {
	t.Helper()
	tok, err := s.jwt.Issue(u)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path string, user *models.User, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/healthz", nil, nil).StatusCode)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", nil, nil).StatusCode)
}

func TestRoomLifecycle(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/v1/rooms", nil, map[string]any{"name": "Sketch"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/rooms", &alice, map[string]any{"name": "Sketch", "maxUsers": 4})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[struct {
		RoomId string `json:"roomId"`
	}](t, resp)
	require.NotEmpty(t, created.RoomId)

	resp = s.do(t, http.MethodGet, "/api/v1/rooms", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Rooms []models.Room `json:"rooms"`
	}](t, resp)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, "Sketch", list.Rooms[0].Name)
	assert.Nil(t, list.Rooms[0].CanvasData)

	resp = s.do(t, http.MethodGet, "/api/v1/rooms/"+created.RoomId, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	room := decode[models.Room](t, resp)
	assert.Equal(t, 4, room.MaxUsers)
	assert.Equal(t, alice.ID, room.OwnerID)

	resp = s.do(t, http.MethodDelete, "/api/v1/rooms/"+created.RoomId, &bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, "/api/v1/rooms/"+created.RoomId, &alice, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/v1/rooms/"+created.RoomId, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRoomRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodPost, "/api/v1/rooms", &alice, map[string]any{"name": "  "}).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodPost, "/api/v1/rooms", &alice, map[string]any{"name": "x", "owner": "me"}).StatusCode)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/api/v1/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer forged")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCanvasEndpoints(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	roomID, err := s.svc.Rooms.Create(ctx, alice, service.CreateRoomInput{Name: "Paint"})
	require.NoError(t, err)

	resp := s.do(t, http.MethodGet, "/api/v1/rooms/"+roomID+"/canvas", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := decode[models.CanvasData](t, resp)
	assert.Equal(t, models.DefaultWidth, c.Width)

	resp = s.do(t, http.MethodGet, "/api/v1/rooms/"+roomID+"/canvas.png?scale=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultWidth*2, img.Bounds().Dx())

	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodGet, "/api/v1/rooms/"+roomID+"/canvas.png?scale=0", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound,
		s.do(t, http.MethodGet, "/api/v1/rooms/missing/canvas", nil, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodGet, "/api/v1/rooms/bad$id", nil, nil).StatusCode)
}

func TestArtworkVisibility(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	in := artwork.CreateInput{
		Title:     "Secret",
		Pixels:    [][]string{{"#000000"}},
		Width:     1,
		Height:    1,
		PixelSize: 4,
		Tags:      []string{artwork.CollaborationTag},
	}
	id, err := s.arts.Create(ctx, alice.ID, alice.Name, in)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/artworks/"+id, nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/artworks/"+id, &bob, nil).StatusCode)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/artworks/"+id, &alice, nil).StatusCode)

	resp := s.do(t, http.MethodGet, "/api/v1/artworks?tag=collaboration", &alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mine := decode[struct {
		Artworks []artwork.Artwork `json:"artworks"`
	}](t, resp)
	require.Len(t, mine.Artworks, 1)
	assert.Equal(t, "Secret", mine.Artworks[0].Title)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/artworks", nil, nil).StatusCode)
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *testServer) dial(t *testing.T, path string, user models.User) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path + "?token=" + s.token(t, user)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

// readState は条件を満たすstateフレームが届くまで読み進めます
func readState(t *testing.T, conn *websocket.Conn, cond func(collab.State) bool) collab.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type != "state" {
			continue
		}
		var s collab.State
		require.NoError(t, json.Unmarshal(f.Payload, &s))
		if cond(s) {
			return s
		}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg := map[string]any{"type": typ}
	if payload != nil {
		msg["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketSession(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	roomID, err := s.svc.Rooms.Create(ctx, alice, service.CreateRoomInput{Name: "Live"})
	require.NoError(t, err)

	conn := s.dial(t, "/api/v1/rooms/"+roomID+"/ws", alice)
	st := readState(t, conn, func(s collab.State) bool { return s.View == collab.ViewCanvas })
	require.NotNil(t, st.Room)
	assert.Equal(t, roomID, st.Room.ID)

	send(t, conn, "ping", nil)
	readFrame(t, conn, "pong")

	send(t, conn, "color", map[string]any{"color": "#123456"})
	send(t, conn, "pointer_down", map[string]any{"x": 2, "y": 3})
	send(t, conn, "pointer_up", map[string]any{"x": 2, "y": 3})
	readState(t, conn, func(s collab.State) bool {
		return s.Canvas != nil && s.Canvas.Pixels[3][2] == "#123456" && s.CanUndo
	})
	require.Eventually(t, func() bool {
		c, ok, err := s.svc.Canvas.Get(ctx, roomID)
		return err == nil && ok && c.Pixels[3][2] == "#123456"
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn, "tool", map[string]any{"tool": "laser"})
	f := readFrame(t, conn, "error")
	assert.Contains(t, string(f.Payload), `"status":400`)

	send(t, conn, "chat", map[string]any{"message": "hi there"})
	readState(t, conn, func(s collab.State) bool {
		return len(s.Messages) == 1 && s.Messages[0].Message == "hi there"
	})

	// closeフレームを送らずに切断すると切断フックでオフラインになる
	require.NoError(t, conn.UnderlyingConn().Close())
	require.Eventually(t, func() bool {
		snap, err := s.st.Read(ctx, "presence/"+roomID+"/"+alice.ID+"/isOnline")
		if err != nil || !snap.Exists {
			return false
		}
		var online bool
		return snap.Decode(&online) == nil && !online
	}, 3*time.Second, 10*time.Millisecond)

	room, ok, err := s.svc.Rooms.Get(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, room.CurrentUsers)
}

func TestWebSocketExplicitLeave(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	conn := s.dial(t, "/api/v1/ws", bob)
	readState(t, conn, func(s collab.State) bool { return s.View == collab.ViewRoomsList })

	send(t, conn, "create_room", map[string]any{"name": "Fresh"})
	st := readState(t, conn, func(s collab.State) bool { return s.View == collab.ViewCanvas })
	roomID := st.Room.ID

	send(t, conn, "leave", nil)
	readState(t, conn, func(s collab.State) bool { return s.View == collab.ViewRoomsList && s.Room == nil })

	_, ok, err := s.svc.Rooms.Get(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, ok, "last member leaving tears the room down")
	require.NoError(t, conn.Close())
}
