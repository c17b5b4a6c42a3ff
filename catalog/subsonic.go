package catalog

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/segment-cache/coverart"
	"github.com/wolfeidau/segment-cache/telemetry"
)

const (
	// DefaultAPIVersion is the Subsonic REST API version sent with every request.
	DefaultAPIVersion = "1.16.1"

	// DefaultClientID identifies this client to the server.
	DefaultClientID = "segment-cache"

	// DefaultTimeout is the default timeout for catalog requests.
	DefaultTimeout = 30 * time.Second

	// albumPageSize is the getAlbumList2 page size; 500 is the server maximum.
	albumPageSize = 500

	// maxResponseSize bounds a decoded API response.
	maxResponseSize = 32 << 20

	// codeNotFound is the Subsonic "requested data was not found" code.
	codeNotFound = 70
)

// ErrNotFound is returned when the server has no such album or cover.
var ErrNotFound = errors.New("not found")

// Error is a failed Subsonic response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("subsonic error %d: %s", e.Code, e.Message)
}

// Is reports a "data not found" failure as ErrNotFound.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Code == codeNotFound
}

// Song is a track as returned by getAlbum.
type Song struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	AlbumID  string `json:"albumId"`
	CoverArt string `json:"coverArt"`
	Duration int    `json:"duration"`
}

// Album is an album as returned by getAlbumList2 and getAlbum. Songs is only
// populated by getAlbum.
type Album struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Artist    string `json:"artist"`
	CoverArt  string `json:"coverArt"`
	SongCount int    `json:"songCount"`
	Songs     []Song `json:"song"`
}

// Client talks to a Subsonic-compatible server using token authentication.
type Client struct {
	baseURL    string
	user       string
	password   string
	apiVersion string
	clientID   string
	client     *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIVersion sets the API version parameter.
func WithAPIVersion(v string) ClientOption {
	return func(c *Client) {
		if v != "" {
			c.apiVersion = v
		}
	}
}

// WithClientID sets the client name parameter.
func WithClientID(id string) ClientOption {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client for the server at baseURL. Requests are
// instrumented as the "subsonic" upstream unless WithHTTPClient replaces the
// HTTP client.
func NewClient(baseURL, user, password string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		password:   password,
		apiVersion: DefaultAPIVersion,
		clientID:   DefaultClientID,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "subsonic"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// authParams returns a fresh salted token for one request.
func (c *Client) authParams() url.Values {
	salt := rand.Text()
	sum := md5.Sum([]byte(c.password + salt))

	v := url.Values{}
	v.Set("u", c.user)
	v.Set("t", hex.EncodeToString(sum[:]))
	v.Set("s", salt)
	v.Set("v", c.apiVersion)
	v.Set("c", c.clientID)
	v.Set("f", "json")
	return v
}

func (c *Client) endpointURL(endpoint string, params url.Values) string {
	q := c.authParams()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return c.baseURL + "/rest/" + endpoint + ".view?" + q.Encode()
}

// StreamURL returns the authenticated stream URL of a song. It is the
// locator handed to the encoder.
func (c *Client) StreamURL(id string) string {
	return c.endpointURL("stream", url.Values{"id": {id}})
}

// Ping checks connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "ping", nil, nil)
}

// AlbumList returns one page of albums ordered by listType ("newest",
// "random", "frequent", ...).
func (c *Client) AlbumList(ctx context.Context, listType string, size, offset int) ([]Album, error) {
	var out struct {
		AlbumList2 struct {
			Album []Album `json:"album"`
		} `json:"albumList2"`
	}
	params := url.Values{
		"type":   {listType},
		"size":   {strconv.Itoa(size)},
		"offset": {strconv.Itoa(offset)},
	}
	if err := c.get(ctx, "getAlbumList2", params, &out); err != nil {
		return nil, err
	}
	return out.AlbumList2.Album, nil
}

// Album returns an album with its songs.
func (c *Client) Album(ctx context.Context, id string) (*Album, error) {
	var out struct {
		Album *Album `json:"album"`
	}
	if err := c.get(ctx, "getAlbum", url.Values{"id": {id}}, &out); err != nil {
		return nil, err
	}
	if out.Album == nil {
		return nil, fmt.Errorf("album %s: %w", id, ErrNotFound)
	}
	return out.Album, nil
}

// Songs walks albums in listType order and returns up to max songs, album
// by album.
func (c *Client) Songs(ctx context.Context, listType string, max int) ([]Song, error) {
	var songs []Song
	for offset := 0; len(songs) < max; offset += albumPageSize {
		albums, err := c.AlbumList(ctx, listType, albumPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("listing albums at offset %d: %w", offset, err)
		}

		for _, a := range albums {
			if len(songs) >= max {
				break
			}
			album, err := c.Album(ctx, a.ID)
			if err != nil {
				return nil, fmt.Errorf("fetching album %s: %w", a.ID, err)
			}
			for _, s := range album.Songs {
				if len(songs) >= max {
					break
				}
				songs = append(songs, s)
			}
		}

		if len(albums) < albumPageSize {
			break
		}
	}
	return songs, nil
}

// CoverArt downloads the cover image with the given id. The caller must
// close the returned reader.
func (c *Client) CoverArt(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL("getCoverArt", url.Values{"id": {id}}), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("cover %s: %w", id, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("getCoverArt returned %d", resp.StatusCode)
	}

	// Failures come back as a 200 with an API envelope instead of an image.
	if isEnvelope(resp.Header.Get("Content-Type")) {
		defer func() { _ = resp.Body.Close() }()
		if err := decodeEnvelope(resp.Body, nil); err != nil {
			return nil, fmt.Errorf("cover %s: %w", id, err)
		}
		return nil, fmt.Errorf("cover %s: server returned no image", id)
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL(endpoint, params), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := decodeEnvelope(resp.Body, out); err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return nil
}

// decodeEnvelope unwraps a "subsonic-response" document into out, turning a
// failed status into *Error.
func decodeEnvelope(r io.Reader, out any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(data) > maxResponseSize {
		return fmt.Errorf("response exceeds %d bytes", maxResponseSize)
	}

	var env struct {
		Response json.RawMessage `json:"subsonic-response"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(env.Response) == 0 {
		return errors.New("decoding response: missing subsonic-response")
	}

	var status struct {
		Status string `json:"status"`
		Error  *Error `json:"error"`
	}
	if err := json.Unmarshal(env.Response, &status); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if status.Status != "ok" {
		if status.Error == nil {
			return &Error{Message: "unknown error"}
		}
		return status.Error
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func isEnvelope(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || mt == "text/xml" || mt == "application/xml"
}

var _ coverart.Fetcher = (*Client)(nil)
