// Package mjpeg decodes Motion-JPEG frames into RGB565 pixel buffers.
package mjpeg

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/charlescerisier/watchman/framebuf"
)

// Limits of the panel the firmware was built for.
const (
	DefaultMaxWidth  = 320
	DefaultMaxHeight = 240
)

var (
	ErrEmptyFrame = errors.New("mjpeg: empty frame")
	ErrTooLarge   = errors.New("mjpeg: frame exceeds maximum dimensions")
	ErrBadStream  = errors.New("mjpeg: not a JPEG stream")
)

// Decoder converts JPEG frames to RGB565. It is safe for use by one decode
// loop with concurrent Stats readers.
type Decoder struct {
	MaxWidth  int
	MaxHeight int

	mu       sync.Mutex
	last     time.Duration
	decoded  int
	failures int
}

// NewDecoder returns a decoder accepting frames up to maxW x maxH. Zero
// values select the defaults.
func NewDecoder(maxW, maxH int) *Decoder {
	if maxW <= 0 {
		maxW = DefaultMaxWidth
	}
	if maxH <= 0 {
		maxH = DefaultMaxHeight
	}
	return &Decoder{MaxWidth: maxW, MaxHeight: maxH}
}

// Info reads the frame dimensions without decoding pixels.
func Info(src []byte) (width, height int, err error) {
	if len(src) == 0 {
		return 0, 0, ErrEmptyFrame
	}
	if len(src) < 2 || src[0] != 0xFF || src[1] != 0xD8 {
		return 0, 0, ErrBadStream
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return 0, 0, fmt.Errorf("mjpeg: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Decode writes src into dst starting at the top-left corner and returns the
// frame dimensions. dst must be at least as large as the frame.
func (d *Decoder) Decode(src []byte, dst *framebuf.Buffer) (int, int, error) {
	start := time.Now()
	w, h, err := d.decode(src, dst)

	d.mu.Lock()
	if err != nil {
		d.failures++
	} else {
		d.decoded++
		d.last = time.Since(start)
	}
	d.mu.Unlock()
	return w, h, err
}

func (d *Decoder) decode(src []byte, dst *framebuf.Buffer) (int, int, error) {
	w, h, err := Info(src)
	if err != nil {
		return 0, 0, err
	}
	if w > d.MaxWidth || h > d.MaxHeight {
		return 0, 0, fmt.Errorf("%w: %dx%d > %dx%d", ErrTooLarge, w, h, d.MaxWidth, d.MaxHeight)
	}
	if cw, ch := dst.Capacity(); w > cw || h > ch {
		return 0, 0, fmt.Errorf("%w: %dx%d does not fit buffer %dx%d", ErrTooLarge, w, h, cw, ch)
	}

	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return 0, 0, fmt.Errorf("mjpeg: %w", err)
	}
	convert(img, dst)
	return w, h, nil
}

// convert packs img into dst.
func convert(img image.Image, dst *framebuf.Buffer) {
	b := img.Bounds()
	switch src := img.(type) {
	case *image.YCbCr:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := dst.Pixels[(y-b.Min.Y)*dst.Stride:]
			for x := b.Min.X; x < b.Max.X; x++ {
				yi := src.YOffset(x, y)
				ci := src.COffset(x, y)
				r, g, bl := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				row[x-b.Min.X] = framebuf.RGB565(r, g, bl)
			}
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := dst.Pixels[(y-b.Min.Y)*dst.Stride:]
			for x := b.Min.X; x < b.Max.X; x++ {
				v := src.Pix[src.PixOffset(x, y)]
				row[x-b.Min.X] = framebuf.RGB565(v, v, v)
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := dst.Pixels[(y-b.Min.Y)*dst.Stride:]
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				row[x-b.Min.X] = framebuf.RGB565(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			}
		}
	}
}

// Stats reports decoder activity.
type Stats struct {
	LastDecode time.Duration
	Decoded    int
	Failures   int
}

func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{LastDecode: d.last, Decoded: d.decoded, Failures: d.failures}
}

// Image wraps an RGB565 buffer as an image.Image.
type Image struct {
	Buf *framebuf.Buffer
}

func (m Image) ColorModel() color.Model { return color.RGBAModel }

func (m Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Buf.Width, m.Buf.Height)
}

func (m Image) At(x, y int) color.Color {
	r, g, b := framebuf.Expand(m.Buf.At(x, y))
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}
}

// Encode writes img as a baseline JPEG. quality 0 selects the library default.
func Encode(w io.Writer, img image.Image, quality int) error {
	var opts *jpeg.Options
	if quality > 0 {
		opts = &jpeg.Options{Quality: quality}
	}
	return jpeg.Encode(w, img, opts)
}

// EncodeBuffer encodes an RGB565 buffer to JPEG bytes.
func EncodeBuffer(buf *framebuf.Buffer, quality int) ([]byte, error) {
	var out bytes.Buffer
	if err := Encode(&out, Image{Buf: buf}, quality); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
