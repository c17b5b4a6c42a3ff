package catalog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/segment-cache/pipeline"
)

const (
	testUser     = "listener"
	testPassword = "sesame"
)

type fakeServer struct {
	t        *testing.T
	albums   []Album
	covers   map[string][]byte
	requests atomic.Int32
}

func newFakeServer(t *testing.T, albums []Album) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t, albums: albums, covers: map[string][]byte{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) ok(w http.ResponseWriter, body map[string]any) {
	resp := map[string]any{"status": "ok", "version": DefaultAPIVersion}
	for k, v := range body {
		resp[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"subsonic-response": resp})
}

func (f *fakeServer) fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"subsonic-response": map[string]any{
		"status": "failed",
		"error":  map[string]any{"code": code, "message": msg},
	}})
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	q := r.URL.Query()

	sum := md5.Sum([]byte(testPassword + q.Get("s")))
	if q.Get("u") != testUser || q.Get("t") != hex.EncodeToString(sum[:]) {
		f.fail(w, 40, "Wrong username or password")
		return
	}

	switch r.URL.Path {
	case "/rest/ping.view":
		f.ok(w, nil)
	case "/rest/getAlbumList2.view":
		offset, _ := strconv.Atoi(q.Get("offset"))
		size, _ := strconv.Atoi(q.Get("size"))
		var page []map[string]any
		for i := offset; i < len(f.albums) && i < offset+size; i++ {
			page = append(page, map[string]any{"id": f.albums[i].ID, "name": f.albums[i].Name})
		}
		f.ok(w, map[string]any{"albumList2": map[string]any{"album": page}})
	case "/rest/getAlbum.view":
		for _, a := range f.albums {
			if a.ID == q.Get("id") {
				f.ok(w, map[string]any{"album": a})
				return
			}
		}
		f.fail(w, 70, "Album not found")
	case "/rest/getCoverArt.view":
		data, ok := f.covers[q.Get("id")]
		if !ok {
			f.fail(w, 70, "Cover art not found")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

func album(id string, songs int) Album {
	a := Album{ID: id, Name: "Album " + id, Artist: "Artist " + id}
	for i := 1; i <= songs; i++ {
		a.Songs = append(a.Songs, Song{
			ID:       fmt.Sprintf("%s-s%d", id, i),
			Title:    fmt.Sprintf("Song %d", i),
			Artist:   a.Artist,
			Album:    a.Name,
			AlbumID:  id,
			CoverArt: "al-" + id,
			Duration: 180 + i,
		})
	}
	return a
}

func TestClientAuthAndPing(t *testing.T) {
	_, srv := newFakeServer(t, nil)

	c := NewClient(srv.URL+"/", testUser, testPassword)
	require.NoError(t, c.Ping(context.Background()))

	bad := NewClient(srv.URL, testUser, "wrong")
	err := bad.Ping(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 40, apiErr.Code)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestStreamURLCarriesFreshToken(t *testing.T) {
	c := NewClient("http://music.local", testUser, testPassword, WithClientID("test"), WithAPIVersion("1.15.0"))

	first, err := url.Parse(c.StreamURL("tr-1"))
	require.NoError(t, err)
	require.Equal(t, "/rest/stream.view", first.Path)

	q := first.Query()
	require.Equal(t, "tr-1", q.Get("id"))
	require.Equal(t, testUser, q.Get("u"))
	require.Equal(t, "test", q.Get("c"))
	require.Equal(t, "1.15.0", q.Get("v"))
	require.Equal(t, "json", q.Get("f"))
	require.NotContains(t, first.RawQuery, testPassword)

	sum := md5.Sum([]byte(testPassword + q.Get("s")))
	require.Equal(t, hex.EncodeToString(sum[:]), q.Get("t"))

	second, err := url.Parse(c.StreamURL("tr-1"))
	require.NoError(t, err)
	require.NotEqual(t, q.Get("s"), second.Query().Get("s"))
}

func TestSongsWalksAlbumsUpToMax(t *testing.T) {
	f, srv := newFakeServer(t, []Album{album("a", 3), album("b", 2), album("c", 4)})
	c := NewClient(srv.URL, testUser, testPassword)

	songs, err := c.Songs(context.Background(), "newest", 4)
	require.NoError(t, err)
	require.Len(t, songs, 4)
	require.Equal(t, "a-s1", songs[0].ID)
	require.Equal(t, "b-s1", songs[3].ID)

	// one list page plus the two albums needed
	require.EqualValues(t, 3, f.requests.Load())

	all, err := c.Songs(context.Background(), "newest", 100)
	require.NoError(t, err)
	require.Len(t, all, 9)
}

func TestCoverArt(t *testing.T) {
	f, srv := newFakeServer(t, nil)
	f.covers["al-a"] = []byte("\x89PNG fake")
	c := NewClient(srv.URL, testUser, testPassword)

	rc, err := c.CoverArt(context.Background(), "al-a")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "\x89PNG fake", string(data))

	_, err = c.CoverArt(context.Background(), "al-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBuildMetadata(t *testing.T) {
	songs := append(album("a", 2).Songs, Song{Title: "no id"}, Song{ID: "loose", Title: "Single"})
	songs = append(songs, album("b", 3).Songs...)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))

	m := BuildMetadata(songs, "http://cache.local", 5, now)
	require.Equal(t, MetadataVersion, m.Version)
	require.Equal(t, 5, m.SlotCount)
	require.Equal(t, time.UTC, m.GeneratedAt.Location())
	require.Equal(t, []string{"0001", "0002", "0003", "0004", "0005"}, m.Slots())

	require.Equal(t, "a-s1", m.Tracks["0001"].ID)
	require.Equal(t, "loose", m.Tracks["0003"].ID)
	require.Equal(t, "b-s2", m.Tracks["0005"].ID)

	require.Len(t, m.Albums, 2)
	require.Equal(t, []string{"0001", "0002"}, m.Albums["a"].TrackSlots)
	require.Equal(t, []string{"0004", "0005"}, m.Albums["b"].TrackSlots)
	require.Equal(t, "Album b", m.Albums["b"].Name)
}

func TestCatalogRefreshAndTrack(t *testing.T) {
	_, srv := newFakeServer(t, []Album{album("a", 2), album("b", 1)})
	client := NewClient(srv.URL, testUser, testPassword)
	cat := New(client, WithBaseURL("http://cache.local"), WithSlotCount(10))
	ctx := context.Background()

	_, err := cat.Track(ctx, "0001")
	require.ErrorIs(t, err, ErrNotLoaded)
	require.Nil(t, cat.Metadata())

	m, err := cat.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, m.Tracks, 3)
	require.Same(t, m, cat.Metadata())

	tr, err := cat.Track(ctx, "0003")
	require.NoError(t, err)
	require.Equal(t, "0003", tr.Key)
	require.Equal(t, "Song 1", tr.Title)
	require.Equal(t, "Album b", tr.Album)
	require.Equal(t, "al-b", tr.CoverID)

	loc, err := url.Parse(tr.Locator)
	require.NoError(t, err)
	require.Equal(t, "b-s1", loc.Query().Get("id"))

	_, err = cat.Track(ctx, "0004")
	require.ErrorIs(t, err, pipeline.ErrUnknownKey)
}

type flakyLibrary struct {
	songs []Song
	err   error
}

func (l *flakyLibrary) Songs(context.Context, string, int) ([]Song, error) {
	return l.songs, l.err
}

func (l *flakyLibrary) StreamURL(id string) string { return "mem://" + id }

func TestRefreshFailureKeepsPreviousTable(t *testing.T) {
	lib := &flakyLibrary{songs: []Song{{ID: "x", AlbumID: "al"}}}
	cat := New(lib)
	ctx := context.Background()

	first, err := cat.Refresh(ctx)
	require.NoError(t, err)

	lib.err = errors.New("connection refused")
	_, err = cat.Refresh(ctx)
	require.ErrorContains(t, err, "connection refused")
	require.Same(t, first, cat.Metadata())

	tr, err := cat.Track(ctx, "0001")
	require.NoError(t, err)
	require.Equal(t, "mem://x", tr.Locator)
	// songs without their own art fall back to the album id
	require.Equal(t, "al", tr.CoverID)
}
