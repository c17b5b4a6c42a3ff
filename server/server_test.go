package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	segmentcache "github.com/wolfeidau/segment-cache"
	"github.com/wolfeidau/segment-cache/catalog"
	"github.com/wolfeidau/segment-cache/encode"
	"github.com/wolfeidau/segment-cache/expiry"
	"github.com/wolfeidau/segment-cache/guard"
	"github.com/wolfeidau/segment-cache/journal"
	"github.com/wolfeidau/segment-cache/pipeline"
	"github.com/wolfeidau/segment-cache/slot"
)

const testBaseURL = "http://cache.local"

func publish(cache *slot.Cache, key string) (*slot.Entry, error) {
	staged, err := cache.Stage(key)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("seg%03d.ts", i)
		if err := os.WriteFile(staged.Path(name), []byte("ts-"+name), 0o644); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "#EXTINF:10.000000,\n%s\n", name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	if err := os.WriteFile(staged.ManifestPath(), []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(staged.CoverPath(), []byte("\x89PNG"), 0o644); err != nil {
		return nil, err
	}
	return cache.Publish(context.Background(), staged)
}

type fakeBuilder struct {
	cache     *slot.Cache
	err       error
	state     pipeline.State
	calls     atomic.Int32
	refreshes atomic.Int32
}

func (b *fakeBuilder) ready(key string) (*pipeline.Ready, error) {
	if b.err != nil {
		return nil, b.err
	}
	entry, err := publish(b.cache, key)
	if err != nil {
		return nil, err
	}
	return &pipeline.Ready{Key: key, ManifestPath: entry.ManifestPath, State: b.state, Entry: entry}, nil
}

func (b *fakeBuilder) EnsureReady(_ context.Context, key string) (*pipeline.Ready, error) {
	b.calls.Add(1)
	return b.ready(key)
}

func (b *fakeBuilder) Refresh(_ context.Context, key string) (*pipeline.Ready, error) {
	b.refreshes.Add(1)
	return b.ready(key)
}

type fakeCatalog struct {
	meta    atomic.Pointer[catalog.Metadata]
	songs   []catalog.Song
	refresh error
}

func (c *fakeCatalog) Metadata() *catalog.Metadata { return c.meta.Load() }

func (c *fakeCatalog) Refresh(context.Context) (*catalog.Metadata, error) {
	if c.refresh != nil {
		return nil, c.refresh
	}
	m := catalog.BuildMetadata(c.songs, testBaseURL, 10, time.Now())
	c.meta.Store(m)
	return m, nil
}

type fixedLoad struct{ active, limit int }

func (l fixedLoad) Active() int { return l.active }
func (l fixedLoad) Limit() int  { return l.limit }

type harness struct {
	srv     *Server
	cache   *slot.Cache
	builder *fakeBuilder
	catalog *fakeCatalog
	logs    *bytes.Buffer
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	cache, err := slot.New(filepath.Join(t.TempDir(), "cache"), time.Hour)
	require.NoError(t, err)

	var logs bytes.Buffer
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL + "/"
	}

	h := &harness{
		cache:   cache,
		builder: &fakeBuilder{cache: cache, state: pipeline.StateBuilt},
		catalog: &fakeCatalog{songs: []catalog.Song{
			{ID: "tr-1", Title: "One", AlbumID: "al-1", Album: "First"},
			{ID: "tr-2", Title: "Two", AlbumID: "al-1", Album: "First"},
		}},
		logs: &logs,
	}
	deps := Deps{Cache: cache, Builder: h.builder, Catalog: h.catalog}
	if mutate != nil {
		mutate(&deps)
	}
	h.srv, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPlaylistRewritesSegmentURIs(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec := h.do(t, http.MethodGet, "/0001.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contentTypePlaylist, rec.Header().Get("Content-Type"))

	entry, err := h.cache.Entry("0001")
	require.NoError(t, err)
	prefix := "http://cache.local/segments/0001/" + entry.Generation + "/"

	body := rec.Body.String()
	require.Contains(t, body, "#EXT-X-TARGETDURATION:10\n")
	require.Contains(t, body, "\n"+prefix+"seg000.ts\n")
	require.Contains(t, body, "\n"+prefix+"seg001.ts\n")
	require.True(t, strings.HasSuffix(body, "#EXT-X-ENDLIST\n"))
	require.NotContains(t, body, "\nseg000.ts")

	require.Contains(t, h.logs.String(), `"cache_result":"miss"`)
	require.Contains(t, h.logs.String(), `"slot":"0001"`)
}

func TestPlaylistCacheResultTags(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.builder.state = pipeline.StateFastHit
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/0002.m3u8", nil).Code)
	require.Contains(t, h.logs.String(), `"cache_result":"hit"`)

	h.builder.state = pipeline.StateWaitedHit
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/0002.m3u8", nil).Code)
	require.Contains(t, h.logs.String(), `"cache_result":"waited"`)
}

func TestNonPlaylistPathIsNotFound(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	rec := h.do(t, http.MethodGet, "/0001.mp4", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Zero(t, h.builder.calls.Load())
}

func TestBuildErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		retryAfter string
	}{
		{"unknown key", fmt.Errorf("%w: 0042", pipeline.ErrUnknownKey), http.StatusNotFound, ""},
		{"invalid key", fmt.Errorf("%w: bad", segmentcache.ErrInvalidKey), http.StatusNotFound, ""},
		{"catalog not loaded", catalog.ErrNotLoaded, http.StatusServiceUnavailable, "5"},
		{"lock timeout", &guard.LockTimeoutError{Key: "0001", Timeout: time.Minute}, http.StatusServiceUnavailable, "5"},
		{"shutting down", pipeline.ErrClosed, http.StatusServiceUnavailable, "5"},
		{"encode failure", &encode.Failure{Key: "0001", ExitCode: 1, Tail: "Connection refused"}, http.StatusBadGateway, ""},
		{"deadline", fmt.Errorf("waiting: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, ""},
		{"other", errors.New("disk full"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, nil)
			h.builder.err = tt.err

			rec := h.do(t, http.MethodGet, "/0001.m3u8", nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			require.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
			require.NotContains(t, body["error"], "Connection refused")
		})
	}
}

func TestSegmentServing(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec := h.do(t, http.MethodGet, "/segments/0003/seg000.ts", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := publish(h.cache, "0003")
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/segments/0003/seg001.ts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contentTypeSegment, rec.Header().Get("Content-Type"))
	require.Equal(t, "ts-seg001.ts", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/segments/0003/seg001.ts", http.Header{"Range": {"bytes=3-"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "seg001.ts", rec.Body.String())

	for _, target := range []string{
		"/segments/0003/index.m3u8",
		"/segments/0003/generation.json",
		"/segments/0003/seg999.ts",
		"/segments/-0003/seg000.ts",
	} {
		require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, target, nil).Code, target)
	}

	// segments never trigger builds
	require.Zero(t, h.builder.calls.Load())
}

func TestGenerationSegmentServing(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	first, err := publish(h.cache, "0003")
	require.NoError(t, err)
	target := "/segments/0003/" + first.Generation + "/seg001.ts"

	rec := h.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contentTypeSegment, rec.Header().Get("Content-Type"))
	require.Equal(t, "ts-seg001.ts", rec.Body.String())

	// a player still holding the first playlist keeps streaming after a
	// republish
	second, err := publish(h.cache, "0003")
	require.NoError(t, err)
	require.NotEqual(t, first.Generation, second.Generation)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, target, nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/segments/0003/"+second.Generation+"/seg000.ts", nil).Code)

	for _, target := range []string{
		"/segments/0003/" + first.Generation + "/index.m3u8",
		"/segments/0003/" + first.Generation + "/generation.json",
		"/segments/0003/" + first.Generation + "/.superseded",
		"/segments/0003/" + first.Generation + "/seg999.ts",
		"/segments/0003/not-a-generation/seg000.ts",
		"/segments/0004/" + first.Generation + "/seg000.ts",
	} {
		require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, target, nil).Code, target)
	}
	require.Zero(t, h.builder.calls.Load())
}

func TestCoverServing(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := publish(h.cache, "0004")
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/covers/0004.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/covers/0005.png", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/covers/0004.jpg", nil).Code)
}

func TestMetadata(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec := h.do(t, http.MethodGet, "/metadata.json", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := h.catalog.Refresh(context.Background())
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/metadata.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var m catalog.Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, 1, m.Version)
	require.Equal(t, "tr-2", m.Tracks["0002"].ID)
	require.Equal(t, []string{"0001", "0002"}, m.Albums["al-1"].TrackSlots)
}

func TestRefreshRequiresAdminToken(t *testing.T) {
	h := newHarness(t, Config{AdminToken: "s3cret"}, nil)

	rec := h.do(t, http.MethodPost, "/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = h.do(t, http.MethodPost, "/refresh", http.Header{"Authorization": {"Bearer wrong"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/refresh", http.Header{"Authorization": {"Bearer s3cret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 2, body["track_count"])

	// GET is not a refresh
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/refresh", nil).Code)
}

func TestRefreshSlotRebuilds(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec := h.do(t, http.MethodPost, "/refresh?slot=0001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, h.builder.refreshes.Load())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "0001", body["slot"])
	require.NotEmpty(t, body["generation"])
	require.EqualValues(t, 2, body["segments"])
}

func TestRefreshCatalogFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.catalog.refresh = errors.New("connection refused")

	rec := h.do(t, http.MethodPost, "/refresh", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCORSAndRequestID(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec := h.do(t, http.MethodOptions, "/0001.m3u8", http.Header{"Origin": {"https://player.example"}})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Zero(t, h.builder.calls.Load())

	rec = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/health", http.Header{"X-Request-Id": {"req-42"}})
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestStats(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), journal.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	h := newHarness(t, Config{}, func(d *Deps) {
		d.Stats = expiry.NewSweeper(d.Cache, nil, expiry.DefaultConfig())
		d.Load = fixedLoad{active: 1, limit: 2}
		d.History = j
	})

	_, err = publish(h.cache, "0001")
	require.NoError(t, err)
	_, err = j.Append(context.Background(), journal.Entry{Key: "0001", Outcome: "built", Duration: 2 * time.Second, Started: time.Now()})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st struct {
		Slots        int   `json:"slots"`
		FreshSlots   int   `json:"fresh_slots"`
		TotalSize    int64 `json:"total_size"`
		TTLSeconds   int64 `json:"ttl_seconds"`
		ActiveBuilds int   `json:"active_builds"`
		BuildLimit   int   `json:"build_limit"`
		Builds       struct {
			Entries       int            `json:"entries"`
			ByOutcome     map[string]int `json:"by_outcome"`
			AvgDurationMS int64          `json:"avg_duration_ms"`
		} `json:"builds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, 1, st.Slots)
	require.Equal(t, 1, st.FreshSlots)
	require.Positive(t, st.TotalSize)
	require.EqualValues(t, 3600, st.TTLSeconds)
	require.Equal(t, 1, st.ActiveBuilds)
	require.Equal(t, 2, st.BuildLimit)
	require.Equal(t, 1, st.Builds.Entries)
	require.Equal(t, 1, st.Builds.ByOutcome["built"])
	require.EqualValues(t, 2000, st.Builds.AvgDurationMS)
}

func TestBuilds(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/builds", nil).Code)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), journal.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	h.srv.history = j

	ctx := context.Background()
	for _, key := range []string{"0001", "0002", "0001"} {
		_, err := j.Append(ctx, journal.Entry{Key: key, Outcome: "built", Duration: time.Second})
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodGet, "/builds?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []buildEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	require.Equal(t, "0001", all[0].Slot)
	require.EqualValues(t, 1000, all[0].DurationMS)

	rec = h.do(t, http.MethodGet, "/builds?slot=0001", nil)
	var one []buildEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	require.Len(t, one, 2)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/builds?limit=-1", nil).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/builds?slot=../x", nil).Code)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestServeAndShutdown(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, h.srv.Shutdown(context.Background()))
	require.ErrorIs(t, <-errCh, http.ErrServerClosed)
}
