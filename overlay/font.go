package overlay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
)

// FallbackFonts are tried, in order, when no font path is configured or the
// configured font cannot be loaded.
var FallbackFonts = []string{
	"DejaVuSans-Bold.ttf",
	"LiberationSans-Bold.ttf",
	"Helvetica.ttc",
	"Arial Bold.ttf",
	"Arial.ttf",
}

// FontDirs are searched for FallbackFonts.
var FontDirs = []string{
	"/usr/share/fonts/truetype/dejavu",
	"/usr/share/fonts/TTF",
	"/usr/share/fonts/dejavu",
	"/usr/share/fonts/truetype/liberation",
	"/usr/share/fonts/liberation",
	"/System/Library/Fonts",
	"/Library/Fonts",
	"/System/Library/Fonts/Supplemental",
}

// FaceSource records where a loaded face came from.
type FaceSource string

const (
	SourceConfigured FaceSource = "configured"
	SourceSystem     FaceSource = "system"
	SourceEmbedded   FaceSource = "embedded"
	SourceBasic      FaceSource = "basic"
)

// FontLoader opens font faces at arbitrary sizes. Parsing happens once.
type FontLoader struct {
	font   *opentype.Font
	path   string
	source FaceSource
}

// LoadFont resolves a font by walking configured path, system fallbacks and
// the embedded Go Bold font. Each step down is logged as a warning. It never
// fails; when even the embedded font cannot be parsed the loader hands out
// basicfont.Face7x13.
func LoadFont(configured string, logger *slog.Logger) *FontLoader {
	if logger == nil {
		logger = slog.Default()
	}

	if configured != "" {
		f, err := parseFontFile(configured)
		if err == nil {
			return &FontLoader{font: f, path: configured, source: SourceConfigured}
		}
		logger.Warn("configured font unusable, trying system fonts", "path", configured, "error", err)
	}

	for _, dir := range FontDirs {
		for _, name := range FallbackFonts {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			f, err := parseFontFile(path)
			if err != nil {
				logger.Warn("system font unusable", "path", path, "error", err)
				continue
			}
			return &FontLoader{font: f, path: path, source: SourceSystem}
		}
	}
	logger.Warn("no system font found, using embedded Go Bold")

	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		logger.Warn("embedded font unusable, using basic bitmap face", "error", err)
		return &FontLoader{source: SourceBasic}
	}
	return &FontLoader{font: f, source: SourceEmbedded}
}

// Source reports which fallback level the loader ended on.
func (l *FontLoader) Source() FaceSource {
	return l.source
}

// Path returns the font file in use, empty for embedded faces.
func (l *FontLoader) Path() string {
	return l.path
}

// Face returns a face at size pixels. The caller must Close it.
func (l *FontLoader) Face(size float64) (font.Face, error) {
	if l.font == nil {
		return basicfont.Face7x13, nil
	}
	face, err := opentype.NewFace(l.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("creating face: %w", err)
	}
	return face, nil
}

func parseFontFile(path string) (*opentype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty font file")
	}
	// collections (.ttc) hold several faces; the first is the regular weight
	if coll, err := opentype.ParseCollection(data); err == nil && coll.NumFonts() > 0 {
		return coll.Font(0)
	}
	return opentype.Parse(data)
}
