package telemetry

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// InstrumentedTransport records one upstream fetch per request, labelled by
// service and by the Subsonic endpoint (the last path element without
// ".view"). The fetch is recorded when the body is closed so bytes count.
type InstrumentedTransport struct {
	base    http.RoundTripper
	service string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper, service string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, service: service}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	fetch := upstreamFetch{
		ctx:      ctx,
		service:  t.service,
		endpoint: endpointOf(req),
		start:    time.Now(),
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		fetch.outcome = "error"
		if ctx.Err() != nil {
			fetch.outcome = "canceled"
		}
		fetch.record()
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		fetch.outcome = "5xx"
	case resp.StatusCode >= 400:
		fetch.outcome = "4xx"
	default:
		fetch.outcome = "success"
	}
	resp.Body = &countingBody{ReadCloser: resp.Body, fetch: fetch}
	return resp, nil
}

func endpointOf(req *http.Request) string {
	if req.URL == nil {
		return "other"
	}
	name := strings.TrimSuffix(path.Base(req.URL.Path), ".view")
	if name == "" || name == "." || name == "/" {
		return "other"
	}
	return name
}

type upstreamFetch struct {
	ctx      context.Context
	service  string
	endpoint string
	outcome  string
	start    time.Time
	bytes    int64
}

func (f *upstreamFetch) record() {
	RecordUpstreamFetch(f.ctx, f.service, f.endpoint, time.Since(f.start), f.bytes, f.outcome)
}

// countingBody records the fetch once, on the first Close.
type countingBody struct {
	io.ReadCloser
	fetch  upstreamFetch
	closed bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.bytes += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if !b.closed {
		b.closed = true
		b.fetch.record()
	}
	return b.ReadCloser.Close()
}
