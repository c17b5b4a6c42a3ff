package slot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidManifest is returned when a playlist is not a complete VOD
// playlist with bare segment names.
var ErrInvalidManifest = errors.New("invalid manifest")

var segmentNamePattern = regexp.MustCompile(`^seg[0-9]{3,}\.ts$`)

// ValidSegmentName reports whether name is a segment file name the encoder
// produces (seg000.ts, seg001.ts, ...).
func ValidSegmentName(name string) bool {
	return segmentNamePattern.MatchString(name)
}

// Segment is one media segment of a playlist.
type Segment struct {
	Name     string
	Duration float64
}

// Manifest is a parsed HLS media playlist.
type Manifest struct {
	Version        int
	TargetDuration int
	PlaylistType   string
	Segments       []Segment
	EndList        bool
}

// TotalDuration sums the EXTINF durations.
func (m *Manifest) TotalDuration() float64 {
	var total float64
	for _, s := range m.Segments {
		total += s.Duration
	}
	return total
}

// Names returns the segment file names in playlist order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Segments))
	for i, s := range m.Segments {
		names[i] = s.Name
	}
	return names
}

// ParseManifestFile opens and parses path.
func ParseManifestFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseManifest(f)
}

// ParseManifest parses an HLS media playlist. It requires the #EXTM3U
// header, an #EXTINF before every segment URI, at least one segment and
// the #EXT-X-ENDLIST marker. Segment URIs must be bare names accepted by
// ValidSegmentName, since nothing else can be served.
func ParseManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	sc := bufio.NewScanner(r)

	lineNo := 0
	sawHeader := false
	pending := -1.0

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("%w: missing #EXTM3U header", ErrInvalidManifest)
			}
			sawHeader = true
			continue
		}
		if m.EndList {
			return nil, fmt.Errorf("%w: line %d after #EXT-X-ENDLIST", ErrInvalidManifest, lineNo)
		}

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			if pending >= 0 {
				return nil, fmt.Errorf("%w: line %d: consecutive #EXTINF", ErrInvalidManifest, lineNo)
			}
			value, _, _ := strings.Cut(strings.TrimPrefix(line, "#EXTINF:"), ",")
			d, err := strconv.ParseFloat(value, 64)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("%w: line %d: bad duration %q", ErrInvalidManifest, lineNo, value)
			}
			pending = d
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad target duration", ErrInvalidManifest, lineNo)
			}
			m.TargetDuration = v
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			m.Version, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			m.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")
		case line == "#EXT-X-ENDLIST":
			m.EndList = true
		case strings.HasPrefix(line, "#"):
			// other tags carry nothing the cache needs
		default:
			if pending < 0 {
				return nil, fmt.Errorf("%w: line %d: segment %q without #EXTINF", ErrInvalidManifest, lineNo, line)
			}
			if strings.ContainsAny(line, `/\`) || line == "." || line == ".." {
				return nil, fmt.Errorf("%w: line %d: segment %q is not a bare name", ErrInvalidManifest, lineNo, line)
			}
			if !ValidSegmentName(line) {
				return nil, fmt.Errorf("%w: line %d: unexpected segment name %q", ErrInvalidManifest, lineNo, line)
			}
			m.Segments = append(m.Segments, Segment{Name: line, Duration: pending})
			pending = -1
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	switch {
	case !sawHeader:
		return nil, fmt.Errorf("%w: empty", ErrInvalidManifest)
	case pending >= 0:
		return nil, fmt.Errorf("%w: trailing #EXTINF without segment", ErrInvalidManifest)
	case len(m.Segments) == 0:
		return nil, fmt.Errorf("%w: no segments", ErrInvalidManifest)
	case !m.EndList:
		return nil, fmt.Errorf("%w: missing #EXT-X-ENDLIST", ErrInvalidManifest)
	}
	return m, nil
}

// RewriteManifest copies a playlist from r to w, replacing every segment URI
// line with uri(name). Tags and blank lines pass through unchanged.
func RewriteManifest(w io.Writer, r io.Reader, uri func(name string) string) error {
	sc := bufio.NewScanner(r)
	bw := bufio.NewWriter(w)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			line = uri(trimmed)
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	return bw.Flush()
}
