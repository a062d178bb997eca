package pixel

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strconv"

	"golang.org/x/image/draw"
)

// Image はグリッドを1セル=cellSize pxの画像に変換します
func (g Grid) Image(cellSize int) *image.RGBA {
	if cellSize <= 0 {
		cellSize = 1
	}
	w, h := g.Width(), g.Height()
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	for y, row := range g {
		for x, c := range row {
			src.Set(x, y, parseColor(c))
		}
	}
	if cellSize == 1 {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w*cellSize, h*cellSize))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func parseColor(c string) color.RGBA {
	if !ValidColor(c) {
		return color.RGBA{A: 0xff}
	}
	v, _ := strconv.ParseUint(c[1:], 16, 32)
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// ExportPNG は現在のグリッドをPNGで書き出します
func (d *Drawing) ExportPNG(w io.Writer) error {
	g, size := d.Grid(), d.CellSize()
	return png.Encode(w, g.Image(size))
}

// ExportJPEG は現在のグリッドをJPEGで書き出します（qualityは1..100）
func (d *Drawing) ExportJPEG(w io.Writer, quality int) error {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	g, size := d.Grid(), d.CellSize()
	return jpeg.Encode(w, g.Image(size), &jpeg.Options{Quality: quality})
}
