// Package config loads, normalizes and validates segment-cache configuration.
//
// A Config is read once from TOML, filled from repository defaults and a few
// environment fallbacks, validated, and then handed by value to every
// component constructor. Nothing mutates it after Load returns.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so TOML files can use "10s" / "5m" strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Server holds the HTTP listener settings.
type Server struct {
	Address string `toml:"address" validate:"required"`
	// BaseURL is the externally reachable prefix used when rewriting
	// segment names in served manifests.
	BaseURL string `toml:"base_url" validate:"required,url"`
	// AdminToken, when set, is required as a bearer token on POST /refresh.
	AdminToken string `toml:"admin_token"`
}

// Cache holds the on-disk cache settings.
type Cache struct {
	Dir           string   `toml:"dir" validate:"required"`
	TTL           Duration `toml:"ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
	// SupersededGrace is how long a replaced generation stays readable for
	// players holding its playlist. Zero removes it on replacement.
	SupersededGrace Duration `toml:"superseded_grace"`
	// MaxSize caps the published generations, e.g. "20GB"; empty means no cap.
	MaxSize string `toml:"max_size"`
	// JournalEntries bounds the build journal; zero disables the journal.
	JournalEntries int `toml:"journal_entries" validate:"min=0"`
}

// Render holds the overlay image settings.
type Render struct {
	Width  int `toml:"width" validate:"min=16,max=7680"`
	Height int `toml:"height" validate:"min=16,max=4320"`
	// FontPath is optional; when empty or unreadable the renderer walks the
	// documented fallback list.
	FontPath      string `toml:"font_path"`
	FallbackColor string `toml:"fallback_color" validate:"required,hexcolor"`
}

// Encode holds the ffmpeg settings.
type Encode struct {
	FFmpegPath      string   `toml:"ffmpeg_path" validate:"required"`
	FrameRate       int      `toml:"frame_rate" validate:"min=1,max=60"`
	VideoMaxRate    string   `toml:"video_max_rate" validate:"required,bitrate"`
	BufferSize      string   `toml:"buffer_size" validate:"required,bitrate"`
	AudioBitrate    string   `toml:"audio_bitrate" validate:"required,bitrate"`
	SegmentDuration Duration `toml:"segment_duration"`
}

// Builds holds the concurrency limits.
type Builds struct {
	MaxConcurrent int      `toml:"max_concurrent" validate:"min=1,max=64"`
	LockTimeout   Duration `toml:"lock_timeout"`
}

// Catalog holds the Subsonic-compatible catalog settings.
type Catalog struct {
	URL        string   `toml:"url" validate:"omitempty,url"`
	User       string   `toml:"user"`
	Password   string   `toml:"password"`
	APIVersion string   `toml:"api_version" validate:"required"`
	ClientID   string   `toml:"client_id" validate:"required"`
	SlotCount  int      `toml:"slot_count" validate:"min=1,max=9999"`
	Timeout    Duration `toml:"timeout"`
	// Selection is the getAlbumList2 ordering slots are filled in.
	Selection string `toml:"selection" validate:"oneof=newest recent frequent random highest starred alphabeticalByName alphabeticalByArtist"`
	// CredentialsFile is a JSON template resolving user and password,
	// taking precedence over the plain fields.
	CredentialsFile string `toml:"credentials_file"`
}

// Telemetry holds the metric and trace exporter settings. Both exporters
// share OTLPEndpoint.
type Telemetry struct {
	Prometheus       bool    `toml:"prometheus"`
	OTLPEndpoint     string  `toml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	ServiceName      string  `toml:"service_name"`
	TraceSampleRatio float64 `toml:"trace_sample_ratio" validate:"gte=0,lte=1"`
}

// Config is the complete, immutable application configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Cache     Cache     `toml:"cache"`
	Render    Render    `toml:"render"`
	Encode    Encode    `toml:"encode"`
	Builds    Builds    `toml:"builds"`
	Catalog   Catalog   `toml:"catalog"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Load reads path (when it exists), applies defaults and environment
// fallbacks, and validates the result. An empty path or a missing file
// yields the defaults. The second return value reports whether a file was
// read.
func Load(path string) (Config, bool, error) {
	cfg := Default()

	exists := false
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		switch {
		case err == nil:
			exists = true
			defer file.Close()
			decoder := toml.NewDecoder(file).DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return Config{}, false, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, false, fmt.Errorf("open config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, exists, nil
}

func (c *Config) normalize() error {
	dir, err := expandPath(c.Cache.Dir)
	if err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	c.Cache.Dir = dir

	if c.Catalog.CredentialsFile != "" {
		if c.Catalog.CredentialsFile, err = expandPath(c.Catalog.CredentialsFile); err != nil {
			return fmt.Errorf("catalog.credentials_file: %w", err)
		}
	}

	if c.Render.FontPath != "" {
		if c.Render.FontPath, err = expandPath(c.Render.FontPath); err != nil {
			return fmt.Errorf("render.font_path: %w", err)
		}
	}

	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	c.Catalog.URL = strings.TrimRight(strings.TrimSpace(c.Catalog.URL), "/")

	if v, ok := os.LookupEnv(envAdminToken); ok && c.Server.AdminToken == "" {
		c.Server.AdminToken = v
	}
	if v, ok := os.LookupEnv(envCatalogURL); ok && c.Catalog.URL == "" {
		c.Catalog.URL = strings.TrimRight(v, "/")
	}
	if v, ok := os.LookupEnv(envCatalogUser); ok && c.Catalog.User == "" {
		c.Catalog.User = v
	}
	if v, ok := os.LookupEnv(envCatalogPassword); ok && c.Catalog.Password == "" {
		c.Catalog.Password = v
	}
	return nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
