package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRenderer(t *testing.T, w, h int) *Renderer {
	t.Helper()
	r, err := New(w, h, WithFontPath(filepath.Join(t.TempDir(), "missing.ttf")))
	require.NoError(t, err)
	return r
}

func TestRenderOutputSize(t *testing.T) {
	r := testRenderer(t, 320, 180)

	for _, src := range []image.Image{
		Placeholder(100, 100, color.White),  // square
		Placeholder(400, 100, color.White),  // wide
		Placeholder(50, 300, color.White),   // tall
		Placeholder(1920, 1080, color.White), // exact
	} {
		out, err := r.Render(src, Text{Title: "Title", Artist: "Artist", Album: "Album"})
		require.NoError(t, err)
		require.Equal(t, image.Rect(0, 0, 320, 180), out.Bounds())
		_, ok := out.(*image.RGBA)
		require.True(t, ok)
	}
}

func TestRenderDrawsBands(t *testing.T) {
	r := testRenderer(t, 640, 360)
	src := Placeholder(640, 360, color.White)

	out, err := r.Render(src, Text{Title: "Some Title"})
	require.NoError(t, err)

	// the title band darkens part of its row above center; corners stay white
	rgba := out.(*image.RGBA)
	darkened := 0
	for x := 0; x < 640; x++ {
		if rgba.RGBAAt(x, 180-20).R < 255 {
			darkened++
		}
	}
	require.Positive(t, darkened)
	require.Less(t, darkened, 640)
	require.Equal(t, color.RGBA{255, 255, 255, 255}, rgba.RGBAAt(0, 0))
	require.Equal(t, color.RGBA{255, 255, 255, 255}, rgba.RGBAAt(639, 359))
}

func TestRenderWithoutTextOnlyScales(t *testing.T) {
	r := testRenderer(t, 64, 36)
	src := Placeholder(128, 72, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	out, err := r.Render(src, Text{})
	require.NoError(t, err)
	require.Equal(t, color.RGBA{10, 20, 30, 255}, out.(*image.RGBA).RGBAAt(32, 18))
}

type panickyImage struct{ image.Image }

func (panickyImage) At(int, int) color.Color { panic("corrupt pixel data") }

func TestRenderFallsBackOnPanic(t *testing.T) {
	r := testRenderer(t, 64, 36)
	src := panickyImage{Placeholder(64, 36, color.Black)}

	out, err := r.Render(src, Text{Title: "x"})
	require.Error(t, err)
	require.Equal(t, src, out)
}

func TestRenderEmptySource(t *testing.T) {
	r := testRenderer(t, 64, 36)
	src := image.NewRGBA(image.Rect(0, 0, 0, 0))

	out, err := r.Render(src, Text{Title: "x"})
	require.Error(t, err)
	require.Equal(t, src, out)
}

func TestCropToAspect(t *testing.T) {
	require.Equal(t, image.Rect(0, 0, 1920, 1080), cropToAspect(image.Rect(0, 0, 1920, 1080), 1920, 1080))
	// square source: crop rows top and bottom
	require.Equal(t, image.Rect(0, 219, 1000, 781), cropToAspect(image.Rect(0, 0, 1000, 1000), 1920, 1080))
	// wide source: crop columns
	require.Equal(t, image.Rect(500, 0, 1499, 562), cropToAspect(image.Rect(0, 0, 2000, 562), 1920, 1080))
}

func TestCleanLine(t *testing.T) {
	// decomposed e + combining acute becomes a single code point
	require.Equal(t, "Caf\u00e9", cleanLine("Cafe\u0301"))
	require.Equal(t, "ab", cleanLine(" a\tb\n"))
	long := cleanLine(strings.Repeat("x", 200))
	require.Equal(t, maxRunes, len([]rune(long)))
	require.True(t, strings.HasSuffix(long, "…"))
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#1e1e2e")
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{R: 0x1e, G: 0x1e, B: 0x2e, A: 0xff}, c)

	c, err = ParseHexColor("#fff")
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, c)

	c, err = ParseHexColor("00000080")
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{A: 0x80}, c)

	for _, bad := range []string{"", "#12", "#zzzzzz", "blue"} {
		_, err := ParseHexColor(bad)
		require.Error(t, err, bad)
	}
}

func TestDecodeFormats(t *testing.T) {
	src := Placeholder(8, 6, color.NRGBA{R: 200, A: 255})

	var pngBuf, jpgBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, src))
	require.NoError(t, jpeg.Encode(&jpgBuf, src, nil))

	img, format, err := Decode(&pngBuf)
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, 8, img.Bounds().Dx())

	img, format, err = Decode(&jpgBuf)
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 6, img.Bounds().Dy())

	_, _, err = Decode(strings.NewReader("not an image"))
	require.Error(t, err)
}

func TestWritePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "overlay.png")
	require.NoError(t, WritePNG(path, Placeholder(4, 4, color.Black)))

	img, format, err := DecodeFile(path)
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
