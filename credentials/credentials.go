// Package credentials resolves catalog secrets from a JSON template so they
// can live in the environment or in mounted secret files instead of the
// config file.
//
// A template is Go text/template producing JSON:
//
//	{"catalog": {"user": {{ env "SUBSONIC_USER" | json }},
//	             "password": {{ file "/run/secrets/subsonic" | json }}}}
//
// Built-in functions are env, envDefault, file and json. Extra lookups can
// be registered with WithProvider; each distinct reference is looked up once
// per resolution.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/wolfeidau/segment-cache/config"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// ErrIncomplete is returned when the resolved document lacks a user or
// password for the catalog.
var ErrIncomplete = errors.New("incomplete catalog credentials")

// Credentials is the resolved document.
type Credentials struct {
	Catalog *Catalog `json:"catalog,omitempty"`
}

// Catalog holds the music server login. URL is optional and overrides the
// configured one when set.
type Catalog struct {
	URL      string `json:"url,omitempty"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Validate checks the catalog login is complete.
func (c *Credentials) Validate() error {
	if c.Catalog == nil {
		return fmt.Errorf("%w: missing catalog section", ErrIncomplete)
	}
	if c.Catalog.User == "" || c.Catalog.Password == "" {
		return fmt.Errorf("%w: user and password are required", ErrIncomplete)
	}
	return nil
}

// Apply returns cfg with the resolved values taking precedence.
func (c *Credentials) Apply(cfg config.Catalog) config.Catalog {
	if c.Catalog == nil {
		return cfg
	}
	if c.Catalog.URL != "" {
		cfg.URL = strings.TrimRight(c.Catalog.URL, "/")
	}
	if c.Catalog.User != "" {
		cfg.User = c.Catalog.User
	}
	if c.Catalog.Password != "" {
		cfg.Password = c.Catalog.Password
	}
	return cfg
}

// SecretProvider looks up a secret by reference.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers p as template function name.
func WithProvider(name string, p SecretProvider) Option {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// Resolver renders credential templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path and validates the result.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials template: %w", err)
	}
	defer f.Close()

	creds, err := r.Resolve(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("resolved catalog credentials", "path", path, "user", creds.Catalog.User)
	return creds, nil
}

// Resolve renders a template read from src and validates the result.
func (r *Resolver) Resolve(ctx context.Context, src io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxTemplateSize)
	}

	var creds Credentials
	if err := json.Unmarshal(out.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("rendered credentials are not valid JSON: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			v, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return v, nil
		},
		"envDefault": func(key, fallback string) string {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading secret file %q: %w", path, err)
			}
			return strings.TrimSpace(string(b)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}

	seen := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			k := name + ":" + ref
			if v, ok := seen[k]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s %q: %w", name, ref, err)
			}
			seen[k] = v
			return v, nil
		}
	}
	return fm
}
