// Package encode runs ffmpeg to turn a still frame and an audio stream into
// an HLS VOD playlist with MPEG-TS segments.
package encode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/segment-cache/slot"
)

// ErrEncodeFailed matches every *Failure.
var ErrEncodeFailed = errors.New("encode failed")

// Failure describes an unsuccessful ffmpeg run.
type Failure struct {
	Key string
	// ExitCode is the process exit status, or -1 when it never exited
	// normally (not started, killed by a signal).
	ExitCode int
	// Tail holds the last bytes of diagnostic output.
	Tail string
	// Err is the underlying cause when the failure was not a plain non-zero
	// exit, e.g. a missing binary or an unreadable manifest.
	Err error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("encode %s failed (exit %d)", f.Key, f.ExitCode)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	if line := lastLine(f.Tail); line != "" {
		msg += ": " + line
	}
	return msg
}

// Is reports whether target is ErrEncodeFailed.
func (f *Failure) Is(target error) bool {
	return target == ErrEncodeFailed
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result describes a successful run.
type Result struct {
	ManifestPath string
	Segments     []string
	// Elapsed is the wall time of the ffmpeg process.
	Elapsed time.Duration
	// MediaDuration is the playlist length in seconds.
	MediaDuration float64
	// Bytes is the size of the manifest plus all segments.
	Bytes int64
}

// Runner executes a command, streaming its output into stdout and stderr.
// A non-zero exit must be reported as an error with an ExitCode() int method.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands with os/exec. On Linux the child is killed when
// the thread that started it exits, so a crashed server leaves no encoder
// writing into staging.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process exits or is killed.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureCmd(cmd)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd.Run()
}

// Invoker runs encode jobs with fixed parameters.
type Invoker struct {
	params Params
	runner Runner
	logger *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(i *Invoker) {
		i.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// NewInvoker creates an Invoker.
func NewInvoker(params Params, opts ...Option) *Invoker {
	if params.FFmpegPath == "" {
		params.FFmpegPath = "ffmpeg"
	}
	i := &Invoker{
		params: params,
		runner: ExecRunner{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "encode")
	return i
}

// Params returns the encoder settings.
func (i *Invoker) Params() Params {
	return i.params
}

// Invoke runs ffmpeg for job and verifies the playlist it wrote. Partial
// output is left in place; removing it is the caller's job.
func (i *Invoker) Invoke(ctx context.Context, job Job) (*Result, error) {
	if job.InputLocator == "" || job.ImagePath == "" || job.OutputDir == "" {
		return nil, fmt.Errorf("encode %s: incomplete job", job.Key)
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	args := Args(i.params, job)
	stdout := newTailBuffer(TailSize)
	stderr := newTailBuffer(TailSize)

	i.logger.Debug("starting ffmpeg", "key", job.Key, "output", job.OutputDir)
	start := time.Now()
	err := i.runner.Run(ctx, i.params.FFmpegPath, args, stdout, stderr)
	elapsed := time.Since(start)

	if err != nil {
		f := &Failure{Key: job.Key, ExitCode: -1, Tail: diagnostics(stderr, stdout)}
		var ec interface{ ExitCode() int }
		if errors.As(err, &ec) && ec.ExitCode() >= 0 {
			f.ExitCode = ec.ExitCode()
		} else {
			f.Err = err
		}
		i.logger.Warn("ffmpeg failed", "key", job.Key, "exit_code", f.ExitCode, "elapsed", elapsed, "error", err)
		return nil, f
	}

	manifest, err := slot.ParseManifestFile(job.ManifestPath())
	if err != nil {
		return nil, &Failure{Key: job.Key, ExitCode: 0, Tail: diagnostics(stderr, stdout), Err: err}
	}

	res := &Result{
		ManifestPath:  job.ManifestPath(),
		Segments:      manifest.Names(),
		Elapsed:       elapsed,
		MediaDuration: manifest.TotalDuration(),
	}
	if fi, err := os.Stat(res.ManifestPath); err == nil {
		res.Bytes += fi.Size()
	}
	for _, name := range res.Segments {
		fi, err := os.Stat(filepath.Join(job.OutputDir, name))
		if err != nil {
			return nil, &Failure{Key: job.Key, ExitCode: 0, Tail: diagnostics(stderr, stdout), Err: fmt.Errorf("segment %s: %w", name, err)}
		}
		res.Bytes += fi.Size()
	}

	i.logger.Info("ffmpeg finished",
		"key", job.Key,
		"segments", len(res.Segments),
		"media_seconds", res.MediaDuration,
		"bytes", res.Bytes,
		"elapsed", elapsed,
	)
	return res, nil
}

// diagnostics prefers stderr; ffmpeg writes everything useful there.
func diagnostics(stderr, stdout *tailBuffer) string {
	if s := stderr.String(); strings.TrimSpace(s) != "" {
		return s
	}
	return stdout.String()
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
