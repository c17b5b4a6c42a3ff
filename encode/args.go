package encode

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/wolfeidau/segment-cache/config"
)

// SegmentPattern is the ffmpeg output template for segment files.
const SegmentPattern = "seg%03d.ts"

// ManifestName is the playlist written beside the segments.
const ManifestName = "index.m3u8"

// Params are the encoder settings shared by every job.
type Params struct {
	FFmpegPath      string
	FrameRate       int
	VideoMaxRate    string
	BufferSize      string
	AudioBitrate    string
	SegmentDuration time.Duration
}

// ParamsFromConfig copies the [encode] section.
func ParamsFromConfig(c config.Encode) Params {
	return Params{
		FFmpegPath:      c.FFmpegPath,
		FrameRate:       c.FrameRate,
		VideoMaxRate:    c.VideoMaxRate,
		BufferSize:      c.BufferSize,
		AudioBitrate:    c.AudioBitrate,
		SegmentDuration: c.SegmentDuration.Duration,
	}
}

// Job is one encode: a still image looped under an audio stream, written as
// HLS into OutputDir.
type Job struct {
	Key          string
	InputLocator string
	ImagePath    string
	OutputDir    string
}

// ManifestPath returns the playlist location of the job.
func (j Job) ManifestPath() string {
	return filepath.Join(j.OutputDir, ManifestName)
}

// segmentSeconds rounds the segment duration to whole seconds, minimum one.
func (p Params) segmentSeconds() int {
	s := int(p.SegmentDuration.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Args returns the ffmpeg argument list for job, excluding the binary.
// The same inputs always produce the same list.
func Args(p Params, job Job) []string {
	fps := p.FrameRate
	if fps < 1 {
		fps = 1
	}
	seg := p.segmentSeconds()
	gop := strconv.Itoa(fps * seg)

	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-loglevel", "error",

		// input 0: the overlay frame, looped
		"-loop", "1",
		"-framerate", strconv.Itoa(fps),
		"-i", job.ImagePath,
		// input 1: the audio stream
		"-i", job.InputLocator,

		"-map", "0:v:0",
		"-map", "1:a:0",

		"-c:v", "libx264",
		"-tune", "stillimage",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(fps),
		"-maxrate", p.VideoMaxRate,
		"-bufsize", p.BufferSize,
		// a keyframe at every segment boundary so segments cut cleanly
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",

		"-c:a", "aac",
		"-b:a", p.AudioBitrate,

		"-shortest",

		"-f", "hls",
		"-hls_time", strconv.Itoa(seg),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(job.OutputDir, SegmentPattern),
		job.ManifestPath(),
	}
}
