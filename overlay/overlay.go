// Package overlay turns cover art into the still frame that is looped under
// the audio: scaled to fill the output, center-cropped, with title, artist
// and album drawn over translucent bands.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/unicode/norm"
)

// Text is the metadata printed on the frame. Empty fields are skipped.
type Text struct {
	Title  string
	Artist string
	Album  string
}

// Layout at the 1080p reference height; everything scales with Height.
const (
	referenceHeight = 1080.0
	titleSize       = 56.0
	detailSize      = 40.0
	lineOffset      = 60.0
	bandPadding     = 14.0
	maxRunes        = 80
)

var bandColor = color.NRGBA{A: 160}

// Renderer composes overlay frames at a fixed output size.
type Renderer struct {
	width, height int
	fontPath      string
	fonts         *FontLoader
	logger        *slog.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Renderer) {
		r.logger = logger
	}
}

// WithFontLoader injects an already resolved font.
func WithFontLoader(l *FontLoader) Option {
	return func(r *Renderer) {
		r.fonts = l
	}
}

// WithFontPath sets the preferred font file. It is resolved once in New.
func WithFontPath(path string) Option {
	return func(r *Renderer) {
		r.fonts = nil
		r.fontPath = path
	}
}

// New creates a Renderer producing width x height frames.
func New(width, height int, opts ...Option) (*Renderer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("overlay: invalid size %dx%d", width, height)
	}
	r := &Renderer{width: width, height: height, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "overlay")
	if r.fonts == nil {
		r.fonts = LoadFont(r.fontPath, r.logger)
	}
	return r, nil
}

// Size returns the output dimensions.
func (r *Renderer) Size() (int, int) {
	return r.width, r.height
}

// FontSource reports which font fallback level is in use.
func (r *Renderer) FontSource() FaceSource {
	return r.fonts.Source()
}

// Render composes src and text into a frame. It never returns nil: on any
// failure, including a panic inside the imaging code, it returns src
// unchanged together with the error so the caller can still encode.
func (r *Renderer) Render(src image.Image, text Text) (out image.Image, err error) {
	if src == nil {
		return nil, errors.New("overlay: nil source image")
	}
	defer func() {
		if p := recover(); p != nil {
			out = src
			err = fmt.Errorf("overlay: render panic: %v", p)
		}
	}()

	b := src.Bounds()
	if b.Empty() {
		return src, errors.New("overlay: empty source image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, cropToAspect(b, r.width, r.height), draw.Src, nil)

	scale := float64(r.height) / referenceHeight
	lines := []struct {
		text   string
		size   float64
		offset float64
	}{
		{text.Title, titleSize, -lineOffset},
		{text.Artist, detailSize, 0},
		{text.Album, detailSize, lineOffset},
	}
	for _, line := range lines {
		s := cleanLine(line.text)
		if s == "" {
			continue
		}
		if err := r.drawLine(dst, s, line.size*scale, line.offset*scale, bandPadding*scale); err != nil {
			return src, err
		}
	}
	return dst, nil
}

// cropToAspect returns the largest centered rectangle of b with the w:h
// aspect ratio, so scaling it fills the output without distortion.
func cropToAspect(b image.Rectangle, w, h int) image.Rectangle {
	sw, sh := b.Dx(), b.Dy()
	// compare sw/sh with w/h without floating point
	if sw*h > w*sh {
		cw := sh * w / h
		x0 := b.Min.X + (sw-cw)/2
		return image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	}
	ch := sw * h / w
	y0 := b.Min.Y + (sh-ch)/2
	return image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
}

func (r *Renderer) drawLine(dst *image.RGBA, s string, size, offset, padding float64) error {
	face, err := r.fonts.Face(size)
	if err != nil {
		return err
	}
	defer func() { _ = face.Close() }()

	d := &font.Drawer{Dst: dst, Src: image.White, Face: face}
	bounds, advance := d.BoundString(s)
	textW := advance.Ceil()
	if textW <= 0 {
		return nil
	}

	// center the glyph box on the line's vertical position
	center := float64(r.height)/2 + offset
	ascent := -bounds.Min.Y.Ceil()
	descent := bounds.Max.Y.Ceil()
	baseline := int(center) + (ascent-descent)/2
	x := (r.width - textW) / 2

	pad := int(padding)
	band := image.Rect(x-pad, baseline-ascent-pad, x+textW+pad, baseline+descent+pad).Intersect(dst.Bounds())
	draw.Draw(dst, band, image.NewUniform(bandColor), image.Point{}, draw.Over)

	d.Dot = fixed.P(x, baseline)
	d.DrawString(s)
	return nil
}

// cleanLine NFC-normalises s, drops control characters and truncates long
// lines with an ellipsis.
func cleanLine(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if runes := []rune(s); len(runes) > maxRunes {
		s = string(runes[:maxRunes-1]) + "…"
	}
	return s
}
