package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/SteamVC/pixelroom/internal/collab"
	"github.com/SteamVC/pixelroom/internal/idgen"
	"github.com/SteamVC/pixelroom/internal/service"
	"github.com/SteamVC/pixelroom/internal/store"
)

const (
	writeWait      = 10 * time.Second    // 1フレームの書き込み期限
	pongWait       = 60 * time.Second    // pongを待つ時間
	pingPeriod     = (pongWait * 9) / 10 // pingの送信間隔
	maxMessageSize = 64 << 10            // 受信フレームの上限
	cleanupTimeout = 10 * time.Second    // 切断時の後始末の期限
	queueSize      = 16
)

// WebSocketMessage はWebSocketで送受信するメッセージの構造
// すべてのメッセージはこの形式でやり取りされます
type WebSocketMessage struct {
	Type    string          `json:"type"`              // メッセージタイプ (例: "join", "pointer_move", "state")
	Payload json.RawMessage `json:"payload,omitempty"` // メッセージのペイロード（型はTypeで決まる）
}

// outgoing は送信待ちのフレームです
type outgoing struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type joinPayload struct {
	RoomId string `json:"roomId"`
}

type pointerPayload struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type toolPayload struct {
	Tool string `json:"tool"`
}

type colorPayload struct {
	Color string `json:"color"`
}

type brushPayload struct {
	Size int `json:"size"`
}

type chatPayload struct {
	Message string `json:"message"`
}

type loadArtworkPayload struct {
	ArtworkId string `json:"artworkId"`
}

type errorPayload struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// WebSocketOptions はWebSocketHandlerの設定です
type WebSocketOptions struct {
	JoinTimeout    time.Duration // 参加・作成の待ち時間
	CursorRate     int           // pointer_moveの上限（回/秒）、0なら制限なし
	LeaseTTL       time.Duration // 切断フックのリース、この1/3ごとに延長する
	AllowedOrigins []string      // 空ならOriginを検査しない
}

// WebSocketHandler は接続ごとにcollab.Controllerを作り、フレームで操作します
type WebSocketHandler struct {
	svc       collab.Services
	st        store.Store
	opts      WebSocketOptions
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(svc collab.Services, st store.Store, opts WebSocketOptions) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	lease := opts.LeaseTTL
	if lease <= 0 {
		lease = store.DefaultLeaseTTL
	}
	return &WebSocketHandler{
		svc:       svc,
		st:        st,
		opts:      opts,
		heartbeat: lease / 3,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(allowed) == 0 || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// client は1つのWebSocket接続です
// stateは最新の1件だけを保持し、書き込みが追いつかない場合は古い状態を捨てます
type client struct {
	conn   *websocket.Conn
	connID string
	log    *logrus.Entry

	mu      sync.Mutex
	state   *collab.State
	pending chan struct{}
	queue   chan outgoing
	done    chan struct{}
}

func (c *client) pushState(s collab.State) {
	c.mu.Lock()
	c.state = &s
	c.mu.Unlock()
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

func (c *client) send(msg outgoing) {
	select {
	case c.queue <- msg:
	case <-c.done:
	default:
		c.log.WithField("type", msg.Type).Warn("websocket send queue full, dropping frame")
	}
}

func (c *client) sendError(err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	c.send(outgoing{Type: "error", Payload: errorPayload{Message: msg, Status: status}})
}

// writePump は送信キューと状態をまとめて書き込み、定期的にpingを送ります
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		var msg outgoing
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg = <-c.queue:
		case <-c.pending:
			c.mu.Lock()
			s := c.state
			c.mu.Unlock()
			if s == nil {
				continue
			}
			msg = outgoing{Type: "state", Payload: s}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.log.WithError(err).Debug("websocket write failed")
			return
		}
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. 認証済みユーザーの確認とHTTPからWebSocketへのアップグレード
// 2. コントローラーの作成とサインイン（URLにroomIdがあれば参加まで）
// 3. メッセージ受信ループの開始
// 4. 切断時の購読解除と切断フックの適用
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if roomId != "" {
		if err := validateRoomId(roomId); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// WebSocket接続にアップグレード
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	connID := idgen.NewConnID()
	c := &client{
		conn:    conn,
		connID:  connID,
		log:     logrus.WithFields(logrus.Fields{"conn_id": connID, "user_id": user.ID}),
		pending: make(chan struct{}, 1),
		queue:   make(chan outgoing, queueSize),
		done:    make(chan struct{}),
	}
	ctrl := collab.New(h.svc, collab.Options{ConnID: connID, JoinTimeout: h.opts.JoinTimeout})
	ctrl.OnChange(c.pushState)

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	defer func() {
		cancel()
		ctrl.Detach()
		cctx, ccancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer ccancel()
		// 明示的に退出していればフックは取り消し済みで、何も起きない
		if err := h.st.Disconnect(cctx, connID); err != nil {
			c.log.WithError(err).Warn("failed to apply disconnect hooks")
		}
		close(c.done)
		<-writerDone
		conn.Close()
		c.log.Info("websocket disconnected")
	}()

	c.log.Info("websocket connected")
	if err := ctrl.SignIn(ctx, user); err != nil {
		c.sendError(err)
	}
	if roomId != "" {
		if err := ctrl.Join(ctx, roomId); err != nil {
			c.sendError(err)
		}
	}

	go h.keepAlive(ctx, c)

	var limiter *rate.Limiter
	if h.opts.CursorRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.CursorRate), h.opts.CursorRate)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// メッセージ受信ループ
	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Info("websocket closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Type == "pointer_move" && limiter != nil && !limiter.Allow() {
			continue
		}
		if err := h.dispatch(ctx, ctrl, c, msg); err != nil {
			c.sendError(err)
		}
	}
}

// keepAlive は接続が続く間、切断フックのリースを延長し続けます
func (h *WebSocketHandler) keepAlive(ctx context.Context, c *client) {
	t := time.NewTicker(h.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.extendLease(ctx, c)
		}
	}
}

func (h *WebSocketHandler) extendLease(ctx context.Context, c *client) {
	if err := h.svc.Presence.Heartbeat(ctx, c.connID); err != nil {
		c.log.WithError(err).Debug("failed to extend lease")
	}
}

// decodePayload はペイロードをdstにデコードします
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.Join(service.ErrValidation, errors.New("payload required"))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Join(service.ErrValidation, err)
	}
	return nil
}

// dispatch はメッセージタイプに応じてコントローラーを操作します
func (h *WebSocketHandler) dispatch(ctx context.Context, ctrl *collab.Controller, c *client, msg WebSocketMessage) error {
	switch msg.Type {
	case "ping":
		h.extendLease(ctx, c)
		c.send(outgoing{Type: "pong"})
		return nil
	case "refresh_rooms":
		return ctrl.RefreshRooms(ctx)
	case "open_create":
		ctrl.OpenCreate()
		return nil
	case "cancel_create":
		ctrl.CancelCreate()
		return nil
	case "create_room":
		var p service.CreateRoomInput
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		_, err := ctrl.CreateRoom(ctx, p)
		return err
	case "join":
		var p joinPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		if err := validateRoomId(p.RoomId); err != nil {
			return errors.Join(service.ErrValidation, err)
		}
		return ctrl.Join(ctx, normalizeID(p.RoomId))
	case "leave":
		return ctrl.Leave(ctx)
	case "pointer_down", "pointer_move", "pointer_up":
		var p pointerPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		switch msg.Type {
		case "pointer_down":
			return ctrl.PointerDown(ctx, p.X, p.Y)
		case "pointer_move":
			return ctrl.PointerMove(ctx, p.X, p.Y)
		default:
			return ctrl.PointerUp(ctx, p.X, p.Y)
		}
	case "pointer_leave":
		return ctrl.PointerLeave(ctx)
	case "tool":
		var p toolPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		return ctrl.SelectTool(ctx, p.Tool)
	case "color":
		var p colorPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		return ctrl.SelectColor(ctx, p.Color)
	case "brush":
		var p brushPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		ctrl.SetBrushSize(p.Size)
		return nil
	case "undo":
		return ctrl.Undo(ctx)
	case "redo":
		return ctrl.Redo(ctx)
	case "clear":
		return ctrl.Clear(ctx)
	case "chat":
		var p chatPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		return ctrl.SendChat(ctx, p.Message)
	case "save":
		var p collab.SaveInput
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		id, err := ctrl.SaveToGallery(ctx, p)
		if err != nil {
			return err
		}
		c.send(outgoing{Type: "saved", Payload: map[string]string{"artworkId": id}})
		return nil
	case "load_artwork":
		var p loadArtworkPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		if err := validateArtworkId(p.ArtworkId); err != nil {
			return errors.Join(service.ErrValidation, err)
		}
		return ctrl.LoadArtwork(ctx, normalizeID(p.ArtworkId))
	case "dismiss_error":
		ctrl.DismissError()
		return nil
	default:
		c.log.WithField("type", msg.Type).Debug("unknown message type")
		return errors.Join(service.ErrValidation, errors.New("unknown message type "+msg.Type))
	}
}
