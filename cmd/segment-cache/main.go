// Command segment-cache serves music tracks from a Subsonic-compatible server
// as HLS playlists with a rendered cover frame, transcoding each slot on first
// request and caching the result.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config    string           `help:"Path to the TOML config file." type:"path" default:"segment-cache.toml" env:"SEGMENT_CACHE_CONFIG"`
	LogLevel  string           `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info" env:"SEGMENT_CACHE_LOG_LEVEL"`
	LogFormat string           `help:"Log format (${enum})." enum:"text,json" default:"text" env:"SEGMENT_CACHE_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

// CLI is the command line.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Serve the slot table, playlists and segments over HTTP."`
	Build   BuildCmd   `cmd:"" help:"Build slots now, without the server."`
	Sweep   SweepCmd   `cmd:"" help:"Remove expired and oversized slots."`
	History HistoryCmd `cmd:"" help:"Show recent build attempts."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("segment-cache"),
		kong.Description("On-demand HLS transcode cache for Subsonic libraries."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals, logger))
}
