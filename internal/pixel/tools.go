package pixel

import "math/rand/v2"

// Tool は描画ツールの種類です
type Tool string

const (
	ToolPen        Tool = "pen"
	ToolEraser     Tool = "eraser"
	ToolFill       Tool = "fill"
	ToolLine       Tool = "line"
	ToolRectangle  Tool = "rectangle"
	ToolCircle     Tool = "circle"
	ToolSpray      Tool = "spray"
	ToolEyedropper Tool = "eyedropper"
)

var tools = map[Tool]struct{}{
	ToolPen: {}, ToolEraser: {}, ToolFill: {}, ToolLine: {},
	ToolRectangle: {}, ToolCircle: {}, ToolSpray: {}, ToolEyedropper: {},
}

// IsTool は既知のツール名かどうかを返します
func IsTool(name string) bool {
	_, ok := tools[Tool(name)]
	return ok
}

// shape はプレビューしてからポインタを離した時点で確定するツールです
func (t Tool) shape() bool {
	return t == ToolLine || t == ToolRectangle || t == ToolCircle
}

// freehand はドラッグ中に描き続けるツールです
func (t Tool) freehand() bool {
	return t == ToolPen || t == ToolEraser || t == ToolSpray
}

const (
	MinBrushSize = 1
	MaxBrushSize = 8
)

func clampBrush(size int) int {
	if size < MinBrushSize {
		return MinBrushSize
	}
	if size > MaxBrushSize {
		return MaxBrushSize
	}
	return size
}

// stamp は(x,y)を左上とするsize×sizeの正方形を塗ります
func stamp(g Grid, x, y, size int, c string) {
	for dy := 0; dy < size; dy++ {
		for dx := 0; dx < size; dx++ {
			g.Set(x+dx, y+dy, c)
		}
	}
}

// lineCells はブレゼンハムのアルゴリズムで(x0,y0)-(x1,y1)のセルを列挙します
func lineCells(x0, y0, x1, y1 int, visit func(x, y int)) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		visit(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// DrawLine はブラシサイズの正方形を線に沿って押していきます
func DrawLine(g Grid, x0, y0, x1, y1, size int, c string) {
	size = clampBrush(size)
	lineCells(x0, y0, x1, y1, func(x, y int) { stamp(g, x, y, size, c) })
}

// DrawRect は2点を対角とする長方形の輪郭を描きます
func DrawRect(g Grid, x0, y0, x1, y1, size int, c string) {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	DrawLine(g, x0, y0, x1, y0, size, c)
	DrawLine(g, x1, y0, x1, y1, size, c)
	DrawLine(g, x1, y1, x0, y1, size, c)
	DrawLine(g, x0, y1, x0, y0, size, c)
}

// DrawCircle は中点円アルゴリズムで(cx,cy)中心、半径rの円周を描きます
func DrawCircle(g Grid, cx, cy, r, size int, c string) {
	size = clampBrush(size)
	if r <= 0 {
		stamp(g, cx, cy, size, c)
		return
	}
	x, y := r, 0
	d := 1 - r
	for x >= y {
		for _, p := range [8][2]int{
			{cx + x, cy + y}, {cx + y, cy + x}, {cx - y, cy + x}, {cx - x, cy + y},
			{cx - x, cy - y}, {cx - y, cy - x}, {cx + y, cy - x}, {cx + x, cy - y},
		} {
			stamp(g, p[0], p[1], size, c)
		}
		y++
		if d < 0 {
			d += 2*y + 1
		} else {
			x--
			d += 2*(y-x) + 1
		}
	}
}

// FloodFill は(x,y)と同じ色で4方向につながる領域をcで塗ります
// 塗り替えたセル数を返します
func FloodFill(g Grid, x, y int, c string) int {
	if !g.In(x, y) {
		return 0
	}
	target := g[y][x]
	if target == c {
		return 0
	}
	n := 0
	stack := [][2]int{{x, y}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		px, py := p[0], p[1]
		if !g.In(px, py) || g[py][px] != target {
			continue
		}
		g[py][px] = c
		n++
		stack = append(stack, [2]int{px + 1, py}, [2]int{px - 1, py}, [2]int{px, py + 1}, [2]int{px, py - 1})
	}
	return n
}

// Spray はブラシ半径内にランダムな点を散らします
func Spray(g Grid, x, y, size int, c string, rng *rand.Rand) {
	size = clampBrush(size)
	radius := size + 1
	dots := size * 3
	for i := 0; i < dots; i++ {
		dx := rng.IntN(2*radius+1) - radius
		dy := rng.IntN(2*radius+1) - radius
		if dx*dx+dy*dy > radius*radius {
			continue
		}
		g.Set(x+dx, y+dy, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func isqrt(v int) int {
	if v <= 0 {
		return 0
	}
	r := 0
	for (r+1)*(r+1) <= v {
		r++
	}
	return r
}
