package pixel

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultHistoryCap = 50
	DefaultBackground = "#ffffff"
)

type entry struct {
	grid Grid
	at   time.Time
}

// Brush は1ストロークの描画設定です
type Brush struct {
	Tool  Tool
	Color string
	Size  int
}

// Result はポインタ操作の結果です
type Result struct {
	Changed   bool   // 表示中のグリッドが変わった（プレビューを含む）
	Committed bool   // 履歴に確定した
	Picked    string // スポイトで取得した色
}

// Drawing はグリッドと上限付きの編集履歴を持つ描画ハンドルです
type Drawing struct {
	mu         sync.Mutex
	grid       Grid
	history    []entry
	index      int
	limit      int
	cellSize   int
	background string

	stroke *stroke
	rng    *rand.Rand
	now    func() time.Time
}

type stroke struct {
	brush          Brush
	base           Grid
	startX, startY int
	lastX, lastY   int
}

// NewDrawing はgを唯一の履歴とする描画ハンドルを作成します
func NewDrawing(g Grid, cellSize int) *Drawing {
	if cellSize <= 0 {
		cellSize = 1
	}
	d := &Drawing{
		limit:      DefaultHistoryCap,
		cellSize:   cellSize,
		background: DefaultBackground,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		now:        time.Now,
	}
	d.resetLocked(g)
	return d
}

func (d *Drawing) resetLocked(g Grid) {
	d.grid = g.Clone()
	d.history = []entry{{grid: g.Clone(), at: d.now()}}
	d.index = 0
	d.stroke = nil
}

// Grid は表示中のグリッドのコピーを返します（ストローク中はプレビュー）
func (d *Drawing) Grid() Grid {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grid.Clone()
}

func (d *Drawing) CellSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cellSize
}

func (d *Drawing) SetCellSize(size int) {
	if size <= 0 {
		return
	}
	d.mu.Lock()
	d.cellSize = size
	d.mu.Unlock()
}

// SetBackground は消しゴムとクリアで使う色を設定します
func (d *Drawing) SetBackground(c string) {
	if !ValidColor(c) {
		return
	}
	d.mu.Lock()
	d.background = c
	d.mu.Unlock()
}

func (d *Drawing) CanUndo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index > 0
}

func (d *Drawing) CanRedo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index < len(d.history)-1
}

func (d *Drawing) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// Reset はグリッドを置き換え、履歴を1件に戻します
// リモートのスナップショットを採用するときに使います
func (d *Drawing) Reset(g Grid) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked(g)
}

// Commit はgを新しい履歴として確定します
func (d *Drawing) Commit(g Grid) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitLocked(g)
}

// commitLocked は現在位置より後の履歴（やり直し分）を捨ててから追加し、
// 上限を超えた古い履歴を削除します
func (d *Drawing) commitLocked(g Grid) {
	d.grid = g.Clone()
	d.history = append(d.history[:d.index+1], entry{grid: g.Clone(), at: d.now()})
	if over := len(d.history) - d.limit; over > 0 {
		d.history = append([]entry(nil), d.history[over:]...)
	}
	d.index = len(d.history) - 1
}

func (d *Drawing) Undo() (Grid, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.index == 0 {
		return nil, false
	}
	d.stroke = nil
	d.index--
	d.grid = d.history[d.index].grid.Clone()
	return d.grid.Clone(), true
}

func (d *Drawing) Redo() (Grid, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.index >= len(d.history)-1 {
		return nil, false
	}
	d.stroke = nil
	d.index++
	d.grid = d.history[d.index].grid.Clone()
	return d.grid.Clone(), true
}

// Clear は背景色で塗りつぶして確定します
func (d *Drawing) Clear() Grid {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stroke = nil
	d.commitLocked(NewGrid(d.grid.Width(), d.grid.Height(), d.background))
	return d.grid.Clone()
}

func (d *Drawing) color(b Brush) string {
	if b.Tool == ToolEraser {
		return d.background
	}
	return b.Color
}

// PointerDown はストロークを開始します
// 塗りつぶしはその場で確定し、スポイトは色を返すだけです
func (d *Drawing) PointerDown(b Brush, x, y int) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	b.Size = clampBrush(b.Size)
	switch b.Tool {
	case ToolEyedropper:
		return Result{Picked: d.grid.At(x, y)}
	case ToolFill:
		next := d.grid.Clone()
		if FloodFill(next, x, y, b.Color) == 0 {
			return Result{}
		}
		d.commitLocked(next)
		return Result{Changed: true, Committed: true}
	}
	if !IsTool(string(b.Tool)) || !d.grid.In(x, y) {
		return Result{}
	}

	d.stroke = &stroke{brush: b, base: d.grid.Clone(), startX: x, startY: y, lastX: x, lastY: y}
	d.paintLocked(x, y)
	return Result{Changed: true}
}

func (d *Drawing) paintLocked(x, y int) {
	s := d.stroke
	c := d.color(s.brush)
	switch {
	case s.brush.Tool == ToolSpray:
		Spray(d.grid, x, y, s.brush.Size, c, d.rng)
	case s.brush.Tool.freehand():
		DrawLine(d.grid, s.lastX, s.lastY, x, y, s.brush.Size, c)
	case s.brush.Tool.shape():
		d.grid = s.base.Clone()
		switch s.brush.Tool {
		case ToolLine:
			DrawLine(d.grid, s.startX, s.startY, x, y, s.brush.Size, c)
		case ToolRectangle:
			DrawRect(d.grid, s.startX, s.startY, x, y, s.brush.Size, c)
		case ToolCircle:
			dx, dy := x-s.startX, y-s.startY
			DrawCircle(d.grid, s.startX, s.startY, isqrt(dx*dx+dy*dy), s.brush.Size, c)
		}
	}
	s.lastX, s.lastY = x, y
}

func (d *Drawing) PointerMove(x, y int) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stroke == nil {
		return Result{}
	}
	d.paintLocked(x, y)
	return Result{Changed: true}
}

// PointerUp はストロークを確定します
// グリッドが変わらなかった場合は履歴に積みません
func (d *Drawing) PointerUp(x, y int) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stroke == nil {
		return Result{}
	}
	d.paintLocked(x, y)
	return d.finishLocked()
}

// PointerLeave はキャンバス外に出たときに、最後の位置でストロークを確定します
func (d *Drawing) PointerLeave() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stroke == nil {
		return Result{}
	}
	return d.finishLocked()
}

func (d *Drawing) finishLocked() Result {
	base := d.stroke.base
	d.stroke = nil
	if d.grid.Equal(base) {
		return Result{}
	}
	d.commitLocked(d.grid)
	return Result{Changed: true, Committed: true}
}

// Stroking は進行中のストロークがあるかを返します
func (d *Drawing) Stroking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stroke != nil
}
