// Package pixel はローカルのピクセルキャンバスを扱います
// グリッド、履歴付きの描画ハンドル、描画ツール、画像への書き出しを提供します
package pixel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidGrid = errors.New("invalid pixel grid")

// MaxDimension はグリッドの幅・高さの上限です
const MaxDimension = 64

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// ValidColor は "#rrggbb" 形式の色かどうかを返します
func ValidColor(c string) bool {
	return colorRe.MatchString(c)
}

// Grid は行×列の色です（Grid[y][x]）
type Grid [][]string

// NewGrid はbgで塗りつぶしたw×hのグリッドを作成します
func NewGrid(w, h int, bg string) Grid {
	g := make(Grid, h)
	for y := range g {
		row := make([]string, w)
		for x := range row {
			row[x] = bg
		}
		g[y] = row
	}
	return g
}

func (g Grid) Height() int { return len(g) }

func (g Grid) Width() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0])
}

func (g Grid) In(x, y int) bool {
	return y >= 0 && y < len(g) && x >= 0 && x < len(g[y])
}

// At は範囲外なら空文字を返します
func (g Grid) At(x, y int) string {
	if !g.In(x, y) {
		return ""
	}
	return g[y][x]
}

// Set は範囲外の座標を無視します
func (g Grid) Set(x, y int, c string) {
	if g.In(x, y) {
		g[y][x] = c
	}
}

func (g Grid) Clone() Grid {
	if g == nil {
		return nil
	}
	out := make(Grid, len(g))
	for y, row := range g {
		out[y] = append([]string(nil), row...)
	}
	return out
}

// Equal は色の比較で大文字小文字を区別しません
func (g Grid) Equal(o Grid) bool {
	if len(g) != len(o) {
		return false
	}
	for y := range g {
		if len(g[y]) != len(o[y]) {
			return false
		}
		for x := range g[y] {
			if !strings.EqualFold(g[y][x], o[y][x]) {
				return false
			}
		}
	}
	return true
}

// Validate はグリッドが長方形で、サイズが1..MaxDimension、すべてのセルが有効な色かを検証します
func (g Grid) Validate() error {
	h := len(g)
	if h < 1 || h > MaxDimension {
		return fmt.Errorf("%w: height %d out of range", ErrInvalidGrid, h)
	}
	w := len(g[0])
	if w < 1 || w > MaxDimension {
		return fmt.Errorf("%w: width %d out of range", ErrInvalidGrid, w)
	}
	for y, row := range g {
		if len(row) != w {
			return fmt.Errorf("%w: row %d has %d cells, want %d", ErrInvalidGrid, y, len(row), w)
		}
		for x, c := range row {
			if !ValidColor(c) {
				return fmt.Errorf("%w: cell (%d,%d) has color %q", ErrInvalidGrid, x, y, c)
			}
		}
	}
	return nil
}

// Flatten は行優先で1次元に並べます
// 2次元配列を保存できないストア向けです
func Flatten(g Grid) []string {
	out := make([]string, 0, g.Width()*g.Height())
	for _, row := range g {
		out = append(out, row...)
	}
	return out
}

func Unflatten(flat []string, w, h int) (Grid, error) {
	if w < 1 || h < 1 || len(flat) != w*h {
		return nil, fmt.Errorf("%w: %d cells for %dx%d", ErrInvalidGrid, len(flat), w, h)
	}
	g := make(Grid, h)
	for y := 0; y < h; y++ {
		g[y] = append([]string(nil), flat[y*w:(y+1)*w]...)
	}
	return g, nil
}
