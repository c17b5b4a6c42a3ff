package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, exists, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.False(t, exists)

	require.Equal(t, 1920, cfg.Render.Width)
	require.Equal(t, 1080, cfg.Render.Height)
	require.Equal(t, "#1e1e2e", cfg.Render.FallbackColor)
	require.Equal(t, 2, cfg.Encode.FrameRate)
	require.Equal(t, "600k", cfg.Encode.VideoMaxRate)
	require.Equal(t, "1200k", cfg.Encode.BufferSize)
	require.Equal(t, "192k", cfg.Encode.AudioBitrate)
	require.Equal(t, 10*time.Second, cfg.Encode.SegmentDuration.Duration)
	require.Equal(t, 2, cfg.Builds.MaxConcurrent)
	require.Equal(t, 5*time.Minute, cfg.Builds.LockTimeout.Duration)
	require.Equal(t, 10*time.Minute, cfg.Cache.SupersededGrace.Duration)
	require.True(t, filepath.IsAbs(cfg.Cache.Dir))
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
address = ":9000"
base_url = "https://media.example.com/"

[cache]
dir = "/var/cache/segments"
ttl = "30m"
superseded_grace = "2m"

[encode]
segment_duration = "6s"
audio_bitrate = "256k"

[builds]
max_concurrent = 4
lock_timeout = "90s"
`)

	cfg, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)

	require.Equal(t, ":9000", cfg.Server.Address)
	require.Equal(t, "https://media.example.com", cfg.Server.BaseURL)
	require.Equal(t, "/var/cache/segments", cfg.Cache.Dir)
	require.Equal(t, 30*time.Minute, cfg.Cache.TTL.Duration)
	require.Equal(t, 2*time.Minute, cfg.Cache.SupersededGrace.Duration)
	require.Equal(t, 6*time.Second, cfg.Encode.SegmentDuration.Duration)
	require.Equal(t, "256k", cfg.Encode.AudioBitrate)
	require.Equal(t, 4, cfg.Builds.MaxConcurrent)
	require.Equal(t, 90*time.Second, cfg.Builds.LockTimeout.Duration)
	// untouched sections keep their defaults
	require.Equal(t, 1000, cfg.Catalog.SlotCount)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[cache]
dri = "/tmp"
`)
	_, _, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[cache]
ttl = "soon"
`)
	_, _, err := Load(path)
	require.ErrorContains(t, err, "parse duration")
}

func TestExpandsHomeDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeConfig(t, `
[cache]
dir = "~/segments"
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "segments"), cfg.Cache.Dir)
}

func TestCatalogCredentialsFromEnvironment(t *testing.T) {
	t.Setenv(envCatalogURL, "http://subsonic.local:4533/")
	t.Setenv(envCatalogUser, "listener")
	t.Setenv(envCatalogPassword, "hunter2")

	cfg, _, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://subsonic.local:4533", cfg.Catalog.URL)
	require.Equal(t, "listener", cfg.Catalog.User)
	require.Equal(t, "hunter2", cfg.Catalog.Password)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "bad bitrate",
			mutate:  func(c *Config) { c.Encode.VideoMaxRate = "fast" },
			wantErr: "bitrate",
		},
		{
			name:    "bad colour",
			mutate:  func(c *Config) { c.Render.FallbackColor = "blue" },
			wantErr: "hexcolor",
		},
		{
			name:    "zero ceiling",
			mutate:  func(c *Config) { c.Builds.MaxConcurrent = 0 },
			wantErr: "max_concurrent",
		},
		{
			name:    "zero ttl",
			mutate:  func(c *Config) { c.Cache.TTL = Duration{} },
			wantErr: "cache.ttl",
		},
		{
			name:    "negative grace",
			mutate:  func(c *Config) { c.Cache.SupersededGrace = Duration{-time.Second} },
			wantErr: "superseded_grace",
		},
		{
			name:    "trace sample ratio above one",
			mutate:  func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
			wantErr: "telemetry.trace_sample_ratio",
		},
		{
			name:    "short segments",
			mutate:  func(c *Config) { c.Encode.SegmentDuration = Duration{500 * time.Millisecond} },
			wantErr: "segment_duration",
		},
		{
			name:    "zero lock timeout",
			mutate:  func(c *Config) { c.Builds.LockTimeout = Duration{} },
			wantErr: "lock_timeout",
		},
		{
			name:    "bad max size",
			mutate:  func(c *Config) { c.Cache.MaxSize = "lots" },
			wantErr: "cache.max_size",
		},
		{
			name:   "human max size",
			mutate: func(c *Config) { c.Cache.MaxSize = "20GB" },
		},
		{
			name: "catalog without credentials",
			mutate: func(c *Config) {
				c.Catalog.URL = "http://subsonic.local"
			},
			wantErr: "catalog.user",
		},
		{
			name: "catalog with credentials file",
			mutate: func(c *Config) {
				c.Catalog.URL = "http://subsonic.local"
				c.Catalog.CredentialsFile = "/etc/segment-cache/credentials.json.tmpl"
			},
		},
		{
			name:    "bad selection",
			mutate:  func(c *Config) { c.Catalog.Selection = "popular" },
			wantErr: "catalog.selection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMaxSizeBytes(t *testing.T) {
	n, err := Cache{}.MaxSizeBytes()
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = Cache{MaxSize: "1.5 GiB"}.MaxSizeBytes()
	require.NoError(t, err)
	require.Equal(t, int64(1536<<20), n)

	n, err = Cache{MaxSize: "500MB"}.MaxSizeBytes()
	require.NoError(t, err)
	require.Equal(t, int64(500_000_000), n)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 2m30s ")))
	require.Equal(t, 150*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "2m30s", string(out))
}
