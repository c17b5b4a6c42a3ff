package config

import "time"

const (
	envCatalogURL      = "SEGMENT_CACHE_CATALOG_URL"
	envCatalogUser     = "SEGMENT_CACHE_CATALOG_USER"
	envCatalogPassword = "SEGMENT_CACHE_CATALOG_PASSWORD"
	envAdminToken      = "SEGMENT_CACHE_ADMIN_TOKEN"

	defaultAddress         = ":8000"
	defaultBaseURL         = "http://localhost:8000"
	defaultCacheDir        = "./cache"
	defaultCacheTTL        = time.Hour
	defaultSweepInterval   = 10 * time.Minute
	defaultSupersededGrace = 10 * time.Minute
	defaultJournalEntries  = 1000
	defaultWidth           = 1920
	defaultHeight          = 1080
	defaultFallbackColor   = "#1e1e2e"
	defaultFFmpegPath      = "ffmpeg"
	defaultFrameRate       = 2
	defaultVideoMaxRate    = "600k"
	defaultBufferSize      = "1200k"
	defaultAudioBitrate    = "192k"
	defaultSegmentDuration = 10 * time.Second
	defaultMaxConcurrent   = 2
	defaultLockTimeout     = 5 * time.Minute
	defaultAPIVersion      = "1.16.1"
	defaultClientID        = "segment-cache"
	defaultSlotCount       = 1000
	defaultCatalogTimeout  = 30 * time.Second
	defaultSelection       = "newest"
	defaultServiceName     = "segment-cache"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Address: defaultAddress,
			BaseURL: defaultBaseURL,
		},
		Cache: Cache{
			Dir:             defaultCacheDir,
			TTL:             Duration{defaultCacheTTL},
			SweepInterval:   Duration{defaultSweepInterval},
			SupersededGrace: Duration{defaultSupersededGrace},
			JournalEntries:  defaultJournalEntries,
		},
		Render: Render{
			Width:         defaultWidth,
			Height:        defaultHeight,
			FallbackColor: defaultFallbackColor,
		},
		Encode: Encode{
			FFmpegPath:      defaultFFmpegPath,
			FrameRate:       defaultFrameRate,
			VideoMaxRate:    defaultVideoMaxRate,
			BufferSize:      defaultBufferSize,
			AudioBitrate:    defaultAudioBitrate,
			SegmentDuration: Duration{defaultSegmentDuration},
		},
		Builds: Builds{
			MaxConcurrent: defaultMaxConcurrent,
			LockTimeout:   Duration{defaultLockTimeout},
		},
		Catalog: Catalog{
			APIVersion: defaultAPIVersion,
			ClientID:   defaultClientID,
			SlotCount:  defaultSlotCount,
			Timeout:    Duration{defaultCatalogTimeout},
			Selection:  defaultSelection,
		},
		Telemetry: Telemetry{
			ServiceName: defaultServiceName,
		},
	}
}
