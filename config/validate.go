package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

var bitratePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[kKmM]?$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their toml names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("bitrate", func(fl validator.FieldLevel) bool {
		return bitratePattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate ensures the configuration is usable. Struct tags cover the
// per-field rules; durations and cross-field rules are checked here.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if c.Cache.TTL.Duration <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	if c.Cache.SweepInterval.Duration < 0 {
		return errors.New("cache.sweep_interval must not be negative")
	}
	if c.Cache.SupersededGrace.Duration < 0 {
		return errors.New("cache.superseded_grace must not be negative")
	}
	if _, err := c.Cache.MaxSizeBytes(); err != nil {
		return err
	}
	if c.Encode.SegmentDuration.Duration < time.Second {
		return errors.New("encode.segment_duration must be at least 1s")
	}
	if c.Builds.LockTimeout.Duration <= 0 {
		return errors.New("builds.lock_timeout must be positive")
	}
	if c.Catalog.Timeout.Duration <= 0 {
		return errors.New("catalog.timeout must be positive")
	}
	if c.Catalog.URL != "" && c.Catalog.CredentialsFile == "" && (c.Catalog.User == "" || c.Catalog.Password == "") {
		return errors.New("catalog.user and catalog.password (or catalog.credentials_file) are required when catalog.url is set")
	}
	return nil
}

// MaxSizeBytes parses MaxSize. Zero means unbounded.
func (c Cache) MaxSizeBytes() (int64, error) {
	if strings.TrimSpace(c.MaxSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("cache.max_size: %w", err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("cache.max_size: %q too large", c.MaxSize)
	}
	return int64(n), nil
}

func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
