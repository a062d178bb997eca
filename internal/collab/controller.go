// Package collab は1つのクライアント接続に対応する共同描画セッションを管理します
// 画面遷移、ルームの購読、キャンバスの公開、ギャラリーへの保存を扱います
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/artwork"
	"github.com/SteamVC/pixelroom/internal/metrics"
	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/pixel"
	"github.com/SteamVC/pixelroom/internal/service"
)

// DefaultJoinTimeout は参加・作成の待ち時間の既定値です
const DefaultJoinTimeout = 12 * time.Second

// ErrNotInRoom はルームに参加していない状態での操作を示します
var ErrNotInRoom = errors.New("not in a room")

// View は表示中の画面です
type View string

const (
	ViewIdle       View = "idle"
	ViewRoomsList  View = "rooms_list"
	ViewCreateRoom View = "create_room"
	ViewCanvas     View = "canvas"
)

// Services はコントローラーが使うサービス群です
type Services struct {
	Rooms    *service.RoomService
	Presence *service.PresenceService
	Canvas   *service.CanvasService
	Chat     *service.ChatService
	Artworks artwork.Store
}

// Options はコントローラーの設定です
type Options struct {
	ConnID      string        // 切断フックのスコープ
	JoinTimeout time.Duration // 0なら既定値
}

// Controller は1接続分のセッション状態を保持します
//
// 操作はopMuで直列化されます。購読の配信は別のゴルーチンから届くため、
// 状態そのものはmuで保護します
type Controller struct {
	svc         Services
	connID      string
	joinTimeout time.Duration

	opMu sync.Mutex

	mu            sync.Mutex
	user          models.User
	view          View
	rooms         []models.Room
	room          *models.Room
	users         []models.Presence
	messages      []models.ChatMessage
	drawing       *pixel.Drawing
	lastPublished pixel.Grid
	brush         pixel.Brush
	loading       bool
	lastErr       string
	unsubs        []func()

	emitMu    sync.Mutex
	observers []func(State)
}

// New はIdle画面から始まるコントローラーを作成します
func New(svc Services, opts Options) *Controller {
	timeout := opts.JoinTimeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	return &Controller{
		svc:         svc,
		connID:      opts.ConnID,
		joinTimeout: timeout,
		view:        ViewIdle,
		brush: pixel.Brush{
			Tool:  pixel.Tool(models.DefaultTool),
			Color: models.DefaultColor,
			Size:  pixel.MinBrushSize,
		},
	}
}

// OnChange は状態が変わるたびに呼ばれるオブザーバーを登録します
// fnには不変のコピーが渡されます
func (c *Controller) OnChange(fn func(State)) {
	c.emitMu.Lock()
	c.observers = append(c.observers, fn)
	c.emitMu.Unlock()
}

// State は現在の状態のコピーを返します
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	s := c.snapshotLocked()
	c.mu.Unlock()
	for _, fn := range c.observers {
		fn(s)
	}
}

// fail はエラーを状態に記録して返します
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.loading = false
	c.mu.Unlock()
	c.emit()
	return err
}

func (c *Controller) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
	c.emit()
}

// DismissError は表示中のエラーを消します
func (c *Controller) DismissError() {
	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) log() *logrus.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields := logrus.Fields{"conn_id": c.connID, "user_id": c.user.ID}
	if c.room != nil {
		fields["room_id"] = c.room.ID
	}
	return logrus.WithFields(fields)
}

// SignIn はユーザーを設定してルーム一覧へ進みます
func (c *Controller) SignIn(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return c.fail(service.ErrUnauthenticated)
	}
	c.opMu.Lock()
	c.mu.Lock()
	c.user = user
	if c.view == ViewIdle {
		c.view = ViewRoomsList
	}
	c.mu.Unlock()
	c.opMu.Unlock()
	return c.RefreshRooms(ctx)
}

func (c *Controller) currentUser() (models.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user.ID == "" {
		return models.User{}, service.ErrUnauthenticated
	}
	return c.user, nil
}

// RefreshRooms は参加可能な公開ルームを読み直します
func (c *Controller) RefreshRooms(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.refreshRooms(ctx)
}

func (c *Controller) refreshRooms(ctx context.Context) error {
	if _, err := c.currentUser(); err != nil {
		return c.fail(err)
	}
	c.setLoading(true)
	rooms, err := c.svc.Rooms.ListPublic(ctx)
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.rooms = rooms
	c.loading = false
	c.mu.Unlock()
	c.emit()
	return nil
}

// OpenCreate はルーム一覧から作成画面へ移ります
func (c *Controller) OpenCreate() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if c.view == ViewRoomsList {
		c.view = ViewCreateRoom
	}
	c.mu.Unlock()
	c.emit()
}

// CancelCreate は作成画面からルーム一覧へ戻ります
func (c *Controller) CancelCreate() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if c.view == ViewCreateRoom {
		c.view = ViewRoomsList
	}
	c.mu.Unlock()
	c.emit()
}

// withJoinTimeout は参加・作成用のタイムアウトを付けたcontextを返します
func (c *Controller) withJoinTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.joinTimeout)
}

// timeoutErr はタイムアウトをErrStoreUnavailableとして扱います
func timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, service.ErrStoreUnavailable) {
		return errors.Join(service.ErrStoreUnavailable, err)
	}
	return err
}

// CreateRoom はルームを作成して、そのまま参加します
// 失敗した場合は画面を変えません
func (c *Controller) CreateRoom(ctx context.Context, in service.CreateRoomInput) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	user, err := c.currentUser()
	if err != nil {
		return "", c.fail(err)
	}
	tctx, cancel := c.withJoinTimeout(ctx)
	defer cancel()

	c.setLoading(true)
	roomID, err := c.svc.Rooms.Create(tctx, user, in)
	if err != nil {
		return "", c.fail(timeoutErr(tctx, err))
	}
	if err := c.join(tctx, roomID); err != nil {
		return roomID, err
	}
	return roomID, nil
}

// Join はルームに参加し、在室情報・チャット・キャンバスを購読します
// 別のルームにいる場合は先に退出します
func (c *Controller) Join(ctx context.Context, roomID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, err := c.currentUser(); err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	current := c.room
	c.mu.Unlock()
	if current != nil {
		if current.ID == roomID {
			return nil
		}
		if err := c.leave(ctx); err != nil {
			return err
		}
	}

	tctx, cancel := c.withJoinTimeout(ctx)
	defer cancel()
	c.setLoading(true)
	return c.join(tctx, roomID)
}

func (c *Controller) join(ctx context.Context, roomID string) error {
	user, err := c.currentUser()
	if err != nil {
		return c.fail(err)
	}

	room, err := c.svc.Presence.Join(ctx, user, c.connID, roomID)
	if err != nil {
		return c.fail(timeoutErr(ctx, err))
	}

	canvas, ok, err := c.svc.Canvas.Get(ctx, roomID)
	if err != nil {
		c.rollbackJoin(user, roomID)
		return c.fail(timeoutErr(ctx, err))
	}
	if !ok {
		if room.CanvasData != nil {
			canvas = *room.CanvasData
		} else {
			canvas = service.BlankCanvas(models.NowMillis())
		}
	}

	drawing := pixel.NewDrawing(pixel.Grid(canvas.Pixels), canvas.PixelSize)
	c.mu.Lock()
	c.room = &room
	c.drawing = drawing
	c.lastPublished = nil
	c.users = nil
	c.messages = nil
	c.mu.Unlock()

	if err := c.subscribe(ctx, roomID); err != nil {
		c.cancelSubscriptions()
		c.mu.Lock()
		c.room, c.drawing = nil, nil
		c.mu.Unlock()
		c.rollbackJoin(user, roomID)
		return c.fail(timeoutErr(ctx, err))
	}

	c.mu.Lock()
	c.view = ViewCanvas
	c.loading = false
	c.mu.Unlock()
	metrics.ActiveSessions.Inc()
	c.log().Info("session entered room")
	c.emit()
	c.mirrorTool(ctx)
	return nil
}

// rollbackJoin は参加直後の失敗時に退出して人数を戻します
func (c *Controller) rollbackJoin(user models.User, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.joinTimeout)
	defer cancel()
	if err := c.svc.Presence.Leave(ctx, user, c.connID, roomID); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to roll back join")
	}
}

// subscribe は3つの購読を開始します
// 配信はルームIDを確認し、退出後に届いたものは捨てます
func (c *Controller) subscribe(ctx context.Context, roomID string) error {
	unsubPresence, err := c.svc.Presence.Subscribe(ctx, roomID, func(users []models.Presence) {
		if c.inRoom(roomID, func() { c.users = users }) {
			c.emit()
		}
	})
	if err != nil {
		return err
	}
	c.addUnsub(unsubPresence)

	unsubChat, err := c.svc.Chat.Subscribe(ctx, roomID, func(msgs []models.ChatMessage) {
		if c.inRoom(roomID, func() { c.messages = msgs }) {
			c.emit()
		}
	})
	if err != nil {
		return err
	}
	c.addUnsub(unsubChat)

	unsubCanvas, err := c.svc.Canvas.Subscribe(ctx, roomID, func(data models.CanvasData) {
		changed := false
		c.inRoom(roomID, func() { changed = c.applyRemoteLocked(data) })
		if changed {
			c.emit()
		}
	})
	if err != nil {
		return err
	}
	c.addUnsub(unsubCanvas)
	return nil
}

func (c *Controller) addUnsub(fn func()) {
	c.mu.Lock()
	c.unsubs = append(c.unsubs, fn)
	c.mu.Unlock()
}

// inRoom はroomIDのルームにいる場合だけfnをロック下で実行します
func (c *Controller) inRoom(roomID string, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil || c.room.ID != roomID {
		return false
	}
	fn()
	return true
}

// applyRemoteLocked はリモートのキャンバスを採用します
// 自分が公開したもの、または表示中と同じグリッドであれば無視します
func (c *Controller) applyRemoteLocked(data models.CanvasData) bool {
	if c.drawing == nil {
		return false
	}
	remote := pixel.Grid(data.Pixels)
	if remote.Validate() != nil {
		logrus.WithField("room_id", c.room.ID).Warn("ignoring malformed remote canvas")
		return false
	}
	if c.lastPublished != nil && remote.Equal(c.lastPublished) {
		return false
	}
	if remote.Equal(c.drawing.Grid()) {
		return false
	}
	c.drawing.Reset(remote)
	c.drawing.SetCellSize(data.PixelSize)
	c.lastPublished = nil
	return true
}

func (c *Controller) cancelSubscriptions() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// Leave はルームから退出してルーム一覧に戻ります
// 3つの購読を先に解除してからストアの退出処理を呼びます
func (c *Controller) Leave(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.leave(ctx)
}

func (c *Controller) leave(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	user := c.user
	c.mu.Unlock()
	if room == nil {
		return nil
	}

	c.cancelSubscriptions()
	c.exitRoom()

	if err := c.svc.Presence.Leave(ctx, user, c.connID, room.ID); err != nil {
		return c.fail(err)
	}
	c.log().WithField("room_id", room.ID).Info("session left room")
	if err := c.refreshRooms(ctx); err != nil {
		c.log().WithError(err).Warn("failed to refresh rooms after leave")
	}
	return nil
}

// exitRoom はルームの状態を捨ててルーム一覧に戻します
func (c *Controller) exitRoom() {
	c.mu.Lock()
	wasIn := c.room != nil
	c.room = nil
	c.drawing = nil
	c.lastPublished = nil
	c.users = nil
	c.messages = nil
	if c.view == ViewCanvas {
		c.view = ViewRoomsList
	}
	c.mu.Unlock()
	if wasIn {
		metrics.ActiveSessions.Dec()
	}
	c.emit()
}

// Detach は退出処理を呼ばずに購読だけを解除します
// 接続が突然切れた場合に使い、在室情報は切断フックに任せます
func (c *Controller) Detach() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.cancelSubscriptions()
	c.mu.Lock()
	wasIn := c.room != nil
	c.room = nil
	c.drawing = nil
	c.mu.Unlock()
	if wasIn {
		metrics.ActiveSessions.Dec()
	}
}

// Renderer は描画ハンドルを返します（ルーム外ではnil）
func (c *Controller) Renderer() *pixel.Drawing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drawing
}

// session は操作に必要な現在のユーザー・ルーム・描画ハンドルを返します
func (c *Controller) session() (models.User, string, *pixel.Drawing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user.ID == "" {
		return models.User{}, "", nil, service.ErrUnauthenticated
	}
	if c.room == nil || c.drawing == nil {
		return models.User{}, "", nil, ErrNotInRoom
	}
	return c.user, c.room.ID, c.drawing, nil
}
