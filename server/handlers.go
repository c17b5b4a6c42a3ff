package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	segmentcache "github.com/wolfeidau/segment-cache"
	"github.com/wolfeidau/segment-cache/catalog"
	"github.com/wolfeidau/segment-cache/encode"
	"github.com/wolfeidau/segment-cache/guard"
	"github.com/wolfeidau/segment-cache/journal"
	"github.com/wolfeidau/segment-cache/pipeline"
	"github.com/wolfeidau/segment-cache/slot"
	"github.com/wolfeidau/segment-cache/telemetry"
)

const (
	contentTypePlaylist = "application/vnd.apple.mpegurl"
	contentTypeSegment  = "video/mp2t"
	contentTypeJSON     = "application/json"

	defaultBuildsLimit = 50
	maxBuildsLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "health")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type catalogStats struct {
	Tracks      int       `json:"tracks"`
	Albums      int       `json:"albums"`
	GeneratedAt time.Time `json:"generated_at"`
}

type buildStats struct {
	Entries       int            `json:"entries"`
	ByOutcome     map[string]int `json:"by_outcome"`
	Bytes         int64          `json:"bytes"`
	AvgDurationMS int64          `json:"avg_duration_ms"`
	LastStarted   *time.Time     `json:"last_started,omitempty"`
}

type statsResponse struct {
	Slots        int           `json:"slots"`
	FreshSlots   int           `json:"fresh_slots"`
	TotalSize    int64         `json:"total_size"`
	OldestSlot   *time.Time    `json:"oldest_slot,omitempty"`
	NewestSlot   *time.Time    `json:"newest_slot,omitempty"`
	TTLSeconds   int64         `json:"ttl_seconds"`
	ActiveBuilds *int          `json:"active_builds,omitempty"`
	BuildLimit   *int          `json:"build_limit,omitempty"`
	Catalog      *catalogStats `json:"catalog,omitempty"`
	Builds       *buildStats   `json:"builds,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "stats")
	ctx := r.Context()

	resp := statsResponse{TTLSeconds: int64(s.cache.TTL().Seconds())}

	if s.stats != nil {
		st, err := s.stats.GetStats(ctx)
		if err != nil {
			s.logger.Error("reading slot stats", "error", err)
			writeError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}
		resp.Slots = st.Slots
		resp.FreshSlots = st.Fresh
		resp.TotalSize = st.TotalSize
		resp.OldestSlot = timePtr(st.OldestSlot)
		resp.NewestSlot = timePtr(st.NewestSlot)
	}

	if s.load != nil {
		active, limit := s.load.Active(), s.load.Limit()
		resp.ActiveBuilds = &active
		resp.BuildLimit = &limit
	}

	if m := s.catalog.Metadata(); m != nil {
		resp.Catalog = &catalogStats{Tracks: len(m.Tracks), Albums: len(m.Albums), GeneratedAt: m.GeneratedAt}
	}

	if s.history != nil {
		js, err := s.history.Stats(ctx)
		if err != nil {
			s.logger.Warn("reading build journal stats", "error", err)
		} else {
			resp.Builds = &buildStats{
				Entries:       js.Entries,
				ByOutcome:     js.ByOutcome,
				Bytes:         js.Bytes,
				AvgDurationMS: js.AvgDuration.Milliseconds(),
				LastStarted:   timePtr(js.LastStarted),
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type buildEntry struct {
	ID          uint64    `json:"id"`
	Slot        string    `json:"slot"`
	Generation  string    `json:"generation,omitempty"`
	Outcome     string    `json:"outcome"`
	Stage       string    `json:"stage,omitempty"`
	ExitCode    int       `json:"exit_code"`
	Started     time.Time `json:"started"`
	DurationMS  int64     `json:"duration_ms"`
	LockWaitMS  int64     `json:"lock_wait_ms"`
	Bytes       int64     `json:"bytes"`
	Segments    int       `json:"segments"`
	CoverOrigin string    `json:"cover_origin,omitempty"`
	Error       string    `json:"error,omitempty"`
	Tail        string    `json:"tail,omitempty"`
}

func toBuildEntry(e journal.Entry) buildEntry {
	return buildEntry{
		ID:          e.ID,
		Slot:        e.Key,
		Generation:  e.Generation,
		Outcome:     e.Outcome,
		Stage:       e.Stage,
		ExitCode:    e.ExitCode,
		Started:     e.Started,
		DurationMS:  e.Duration.Milliseconds(),
		LockWaitMS:  e.LockWait.Milliseconds(),
		Bytes:       e.Bytes,
		Segments:    e.Segments,
		CoverOrigin: e.CoverOrigin,
		Error:       e.Error,
		Tail:        e.Tail,
	}
}

// handleBuilds lists recent build attempts, optionally for one slot.
func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "builds")
	if s.history == nil {
		writeError(w, http.StatusNotFound, "build journal not enabled")
		return
	}

	limit := defaultBuildsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxBuildsLimit)
	}

	var (
		entries []journal.Entry
		err     error
	)
	if key := r.URL.Query().Get("slot"); key != "" {
		if segmentcache.ValidateKey(key) != nil {
			writeError(w, http.StatusBadRequest, "invalid slot")
			return
		}
		telemetry.SetSlot(r, key)
		entries, err = s.history.ForKey(r.Context(), key, limit)
	} else {
		entries, err = s.history.Recent(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("reading build journal", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}

	out := make([]buildEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toBuildEntry(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMetadata serves the slot table.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "metadata")
	m := s.catalog.Metadata()
	if m == nil {
		w.Header().Set("Retry-After", s.retryAfter())
		writeError(w, http.StatusServiceUnavailable, "catalog not loaded")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleRefresh reloads the slot table, or rebuilds one slot when the slot
// query parameter is set.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "refresh")

	if key := r.URL.Query().Get("slot"); key != "" {
		telemetry.SetSlot(r, key)
		ready, err := s.builder.Refresh(r.Context(), key)
		if err != nil {
			s.writeBuildError(w, r, key, err)
			return
		}
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		resp := map[string]any{"status": "ok", "slot": key}
		if ready.Entry != nil {
			resp["generation"] = ready.Entry.Generation
			resp["segments"] = len(ready.Entry.Segments)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	m, err := s.catalog.Refresh(r.Context())
	if err != nil {
		if isContextErr(err) {
			writeError(w, http.StatusGatewayTimeout, "request timeout")
			return
		}
		s.logger.Error("catalog refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "catalog refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "track_count": len(m.Tracks)})
}

// handlePlaylist ensures a fresh generation of the slot and serves its
// manifest with absolute segment URIs.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	key, ok := strings.CutSuffix(r.PathValue("playlist"), ".m3u8")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	telemetry.SetRoute(r, "playlist")
	telemetry.SetSlot(r, key)

	ready, err := s.builder.EnsureReady(r.Context(), key)
	if err != nil {
		s.writeBuildError(w, r, key, err)
		return
	}

	switch ready.State {
	case pipeline.StateFastHit:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	case pipeline.StateWaitedHit:
		telemetry.SetCacheResult(r, telemetry.CacheWaited)
	default:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	// read the manifest of the generation the URIs will name, not through
	// the link, which a concurrent publish may move
	manifestPath := ready.ManifestPath
	prefix := s.config.BaseURL + "/segments/" + key + "/"
	if ready.Entry != nil && ready.Entry.Generation != "" {
		manifestPath = filepath.Join(ready.Entry.Dir, slot.ManifestName)
		prefix += ready.Entry.Generation + "/"
	}

	f, err := os.Open(manifestPath)
	if err != nil {
		// swept between the freshness check and the read
		s.logger.Warn("published manifest vanished", "slot", key, "error", err)
		w.Header().Set("Retry-After", s.retryAfter())
		writeError(w, http.StatusServiceUnavailable, "slot changed, retry")
		return
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	if err := slot.RewriteManifest(&buf, f, func(name string) string { return prefix + name }); err != nil {
		s.logger.Error("rewriting manifest", "slot", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", contentTypePlaylist)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.Bytes())
	}
}

// handleSegment serves one segment of the current generation. Playlists
// name generations explicitly; this route serves older URIs. It never
// triggers a build.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	key, name := r.PathValue("slot"), r.PathValue("segment")
	telemetry.SetRoute(r, "segment")
	telemetry.SetSlot(r, key)

	path, err := s.cache.SegmentPath(key, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "segment not found")
		return
	}
	s.serveFile(w, r, path, contentTypeSegment)
}

// handleGenerationSegment serves one segment of a named generation, which
// may have been superseded within its grace period. It never triggers a
// build.
func (s *Server) handleGenerationSegment(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("slot")
	telemetry.SetRoute(r, "segment")
	telemetry.SetSlot(r, key)

	path, err := s.cache.GenerationSegmentPath(key, r.PathValue("generation"), r.PathValue("segment"))
	if err != nil {
		writeError(w, http.StatusNotFound, "segment not found")
		return
	}
	s.serveFile(w, r, path, contentTypeSegment)
}

// handleCover serves the cover asset of a published slot, /covers/{slot}.png.
func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	key, ok := strings.CutSuffix(r.PathValue("cover"), ".png")
	telemetry.SetRoute(r, "cover")
	if !ok || segmentcache.ValidateKey(key) != nil {
		writeError(w, http.StatusNotFound, "cover not found")
		return
	}
	telemetry.SetSlot(r, key)
	s.serveFile(w, r, s.cache.CoverPath(key), "image/png")
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// writeBuildError maps EnsureReady and Refresh failures to responses.
func (s *Server) writeBuildError(w http.ResponseWriter, r *http.Request, key string, err error) {
	switch {
	case errors.Is(err, segmentcache.ErrInvalidKey), errors.Is(err, pipeline.ErrUnknownKey):
		writeError(w, http.StatusNotFound, "slot "+key+" not found")
	case errors.Is(err, catalog.ErrNotLoaded):
		w.Header().Set("Retry-After", s.retryAfter())
		writeError(w, http.StatusServiceUnavailable, "catalog not loaded")
	case errors.Is(err, guard.ErrLockTimeout):
		w.Header().Set("Retry-After", s.retryAfter())
		writeError(w, http.StatusServiceUnavailable, "slot is being built, retry later")
	case errors.Is(err, pipeline.ErrClosed):
		w.Header().Set("Retry-After", s.retryAfter())
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, encode.ErrEncodeFailed):
		s.logger.Error("transcoding failed", "slot", key, "error", err)
		writeError(w, http.StatusBadGateway, "transcoding failed")
	case isContextErr(err):
		if r.Context().Err() == nil {
			s.logger.Warn("build timed out", "slot", key, "error", err)
		}
		writeError(w, http.StatusGatewayTimeout, "request timeout")
	default:
		s.logger.Error("build failed", "slot", key, "error", err)
		writeError(w, http.StatusInternalServerError, "build failed")
	}
}

func (s *Server) retryAfter() string {
	return strconv.Itoa(max(1, int(s.config.RetryAfter.Round(time.Second).Seconds())))
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
