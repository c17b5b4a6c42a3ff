package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/segment-cache/config"
)

func resolve(t *testing.T, r *Resolver, tmpl string) (*Credentials, error) {
	t.Helper()
	return r.Resolve(context.Background(), strings.NewReader(tmpl))
}

func TestResolveFromEnvironment(t *testing.T) {
	t.Setenv("TEST_SUBSONIC_USER", "listener")
	t.Setenv("TEST_SUBSONIC_PASSWORD", `pa"ss\word`)

	creds, err := resolve(t, NewResolver(), `{"catalog": {
		"user": {{ env "TEST_SUBSONIC_USER" | json }},
		"password": {{ env "TEST_SUBSONIC_PASSWORD" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "listener", creds.Catalog.User)
	require.Equal(t, `pa"ss\word`, creds.Catalog.Password)
}

func TestResolveMissingEnvironment(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{"catalog": {"user": {{ env "NONEXISTENT_VAR_XYZ" | json }}, "password": "x"}}`)
	require.ErrorContains(t, err, "NONEXISTENT_VAR_XYZ")
}

func TestResolveEnvDefault(t *testing.T) {
	t.Setenv("TEST_SET_USER", "actual")

	creds, err := resolve(t, NewResolver(), `{"catalog": {
		"user": {{ envDefault "TEST_SET_USER" "fallback" | json }},
		"password": {{ envDefault "NONEXISTENT_VAR_XYZ" "default-pass" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "actual", creds.Catalog.User)
	require.Equal(t, "default-pass", creds.Catalog.Password)
}

func TestResolveFileFunction(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(secret, []byte("from-file\n"), 0o600))

	creds, err := resolve(t, NewResolver(), `{"catalog": {"user": "u", "password": {{ file "`+secret+`" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.Catalog.Password)

	_, err = resolve(t, NewResolver(), `{"catalog": {"user": "u", "password": {{ file "/nonexistent/secret" | json }}}}`)
	require.ErrorContains(t, err, "/nonexistent/secret")
}

func TestProviderIsMemoized(t *testing.T) {
	calls := 0
	vault := func(_ context.Context, ref string) (string, error) {
		calls++
		return "v-" + ref, nil
	}

	creds, err := resolve(t, NewResolver(WithProvider("vault", vault)), `{"catalog": {
		"user": {{ vault "shared" | json }},
		"password": {{ vault "shared" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "v-shared", creds.Catalog.User)
	require.Equal(t, 1, calls)
}

func TestProviderError(t *testing.T) {
	failing := func(context.Context, string) (string, error) {
		return "", errors.New("sealed")
	}
	_, err := resolve(t, NewResolver(WithProvider("vault", failing)), `{"catalog": {"user": {{ vault "u" | json }}, "password": "p"}}`)
	require.ErrorContains(t, err, "sealed")
}

func TestResolveRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		wantErr string
	}{
		{name: "not json", tmpl: `catalog = "x"`, wantErr: "not valid JSON"},
		{name: "empty", tmpl: ``, wantErr: "not valid JSON"},
		{name: "bad template", tmpl: `{{ env }`, wantErr: "parsing"},
		{name: "no catalog", tmpl: `{}`, wantErr: "missing catalog"},
		{name: "no password", tmpl: `{"catalog": {"user": "u"}}`, wantErr: "user and password"},
		{name: "oversized", tmpl: strings.Repeat("x", maxTemplateSize+1), wantErr: "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, NewResolver(), tt.tmpl)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := resolve(t, NewResolver(), `{"catalog": {"user": "u"}}`)
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"catalog": {"url": "http://music.local/", "user": "u", "password": "p"}}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), path)
	require.NoError(t, err)

	cfg := creds.Apply(config.Catalog{URL: "http://other.local", User: "old", SlotCount: 10})
	require.Equal(t, "http://music.local", cfg.URL)
	require.Equal(t, "u", cfg.User)
	require.Equal(t, "p", cfg.Password)
	require.Equal(t, 10, cfg.SlotCount)

	_, err = NewResolver().ResolveFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
