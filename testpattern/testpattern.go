// Package testpattern renders the panel verification patterns into RGB565
// buffers. Patterns are pure functions of the frame number, so a clip
// generator and a live self-test draw the same pictures.
package testpattern

import (
	"fmt"
	"strings"

	"github.com/charlescerisier/watchman/framebuf"
)

// Pattern draws frame n into buf, covering buf.Width x buf.Height.
type Pattern func(buf *framebuf.Buffer, n int)

// Named pattern set, in self-test order.
var patterns = []struct {
	name string
	fn   Pattern
}{
	{"solid", Solid},
	{"bars", Bars},
	{"bounce", Bounce},
	{"gradients", Gradients},
	{"checker", Checkerboard},
	{"lines", MovingLines},
}

// Names lists the known patterns.
func Names() []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.name
	}
	return out
}

// Lookup finds a pattern by name.
func Lookup(name string) (Pattern, error) {
	for _, p := range patterns {
		if p.name == name {
			return p.fn, nil
		}
	}
	return nil, fmt.Errorf("testpattern: unknown pattern %q (have %s)", name, strings.Join(Names(), ", "))
}

// SolidColors is the cycle used by Solid.
var SolidColors = []uint16{
	framebuf.ColorRed,
	framebuf.ColorGreen,
	framebuf.ColorBlue,
	framebuf.ColorYellow,
	framebuf.ColorCyan,
	framebuf.ColorMagenta,
	framebuf.ColorWhite,
	framebuf.ColorBlack,
}

// BarColors are the eight vertical bars, left to right.
var BarColors = []uint16{
	framebuf.ColorWhite,
	framebuf.ColorYellow,
	framebuf.ColorCyan,
	framebuf.ColorGreen,
	framebuf.ColorMagenta,
	framebuf.ColorRed,
	framebuf.ColorBlue,
	framebuf.ColorBlack,
}

const (
	boxSize     = 40
	boxDX       = 4
	boxDY       = 3
	squareSize  = 20
	lineSpacing = 10
	lineWidth   = 2
)

// Solid fills the frame with SolidColors[n mod 8].
func Solid(buf *framebuf.Buffer, n int) {
	fillRect(buf, 0, 0, buf.Width, buf.Height, SolidColors[mod(n, len(SolidColors))])
}

// Bars draws eight equal vertical color bars. Pixels right of the last
// whole bar are left black.
func Bars(buf *framebuf.Buffer, _ int) {
	fillRect(buf, 0, 0, buf.Width, buf.Height, framebuf.ColorBlack)
	w := buf.Width / len(BarColors)
	for i, c := range BarColors {
		fillRect(buf, i*w, 0, w, buf.Height, c)
	}
}

// BoxPosition is the top-left corner of the bouncing box in frame n.
func BoxPosition(width, height, n int) (x, y int) {
	dx, dy := boxDX, boxDY
	maxX, maxY := width-boxSize, height-boxSize
	for i := 0; i < n; i++ {
		x += dx
		y += dy
		if x <= 0 || x >= maxX {
			dx = -dx
			x = clamp(x, 0, maxX)
		}
		if y <= 0 || y >= maxY {
			dy = -dy
			y = clamp(y, 0, maxY)
		}
	}
	return x, y
}

// Bounce draws a cyan box on black that moves 4px right and 3px down per
// frame, reflecting off the edges.
func Bounce(buf *framebuf.Buffer, n int) {
	fillRect(buf, 0, 0, buf.Width, buf.Height, framebuf.ColorBlack)
	x, y := BoxPosition(buf.Width, buf.Height, n)
	fillRect(buf, x, y, boxSize, boxSize, framebuf.ColorCyan)
}

// Gradients draws red, green and blue ramps in horizontal thirds.
func Gradients(buf *framebuf.Buffer, _ int) {
	fillRect(buf, 0, 0, buf.Width, buf.Height, framebuf.ColorBlack)
	third := buf.Height / 3
	for x := 0; x < buf.Width; x++ {
		v := uint8(x * 255 / buf.Width)
		fillRect(buf, x, 0, 1, third, framebuf.RGB565(v, 0, 0))
		fillRect(buf, x, third, 1, third, framebuf.RGB565(0, v, 0))
		fillRect(buf, x, 2*third, 1, third, framebuf.RGB565(0, 0, v))
	}
}

// Checkerboard draws 20px black and white squares, black at the origin.
func Checkerboard(buf *framebuf.Buffer, _ int) {
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			c := framebuf.ColorBlack
			if (x/squareSize+y/squareSize)%2 == 1 {
				c = framebuf.ColorWhite
			}
			buf.Set(x, y, c)
		}
	}
}

// MovingLines draws green vertical and blue horizontal 2px lines every 10px,
// shifted by n mod 10.
func MovingLines(buf *framebuf.Buffer, n int) {
	fillRect(buf, 0, 0, buf.Width, buf.Height, framebuf.ColorBlack)
	off := mod(n, lineSpacing)
	for x := off; x < buf.Width; x += lineSpacing {
		fillRect(buf, x, 0, lineWidth, buf.Height, framebuf.ColorGreen)
	}
	for y := off; y < buf.Height; y += lineSpacing {
		fillRect(buf, 0, y, buf.Width, lineWidth, framebuf.ColorBlue)
	}
}

func fillRect(buf *framebuf.Buffer, x, y, w, h int, c uint16) {
	x0, y0 := max(x, 0), max(y, 0)
	x1, y1 := min(x+w, buf.Width), min(y+h, buf.Height)
	if x0 >= x1 || y0 >= y1 {
		return
	}
	for yy := y0; yy < y1; yy++ {
		row := buf.Pixels[yy*buf.Stride : yy*buf.Stride+x1]
		for xx := x0; xx < x1; xx++ {
			row[xx] = c
		}
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func mod(a, b int) int {
	return ((a % b) + b) % b
}
