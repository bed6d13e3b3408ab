package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
)

// VideoProcessor abstracts the ffmpeg tooling so the worker is testable
// without binaries on PATH.
type VideoProcessor interface {
	// Probe returns duration in seconds and pixel dimensions of the source.
	Probe(ctx context.Context, path string) (duration float64, width, height int, err error)

	// Thumbnail writes a poster frame (taken shortly after the start) as
	// JPEG to dst.
	Thumbnail(ctx context.Context, src, dst string) error

	// TranscodeHLS writes an HLS rendition into dstDir and returns the
	// playlist path.
	TranscodeHLS(ctx context.Context, src, dstDir string) (playlist string, err error)
}

// FFmpeg shells out to ffmpeg and ffprobe.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpeg uses the binaries from PATH.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, int, int, error) {
	out, err := f.run(ctx, f.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return 0, 0, 0, err
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, 0, 0, fmt.Errorf("media: parsing ffprobe output: %w", err)
	}

	duration, _ := strconv.ParseFloat(probe.Format.Duration, 64)
	var width, height int
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			width, height = s.Width, s.Height
			break
		}
	}
	return duration, width, height, nil
}

func (f *FFmpeg) Thumbnail(ctx context.Context, src, dst string) error {
	_, err := f.run(ctx, f.FFmpegPath,
		"-y",
		"-ss", "1",
		"-i", src,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", thumbnailSize),
		dst,
	)
	return err
}

func (f *FFmpeg) TranscodeHLS(ctx context.Context, src, dstDir string) (string, error) {
	playlist := filepath.Join(dstDir, "index.m3u8")
	_, err := f.run(ctx, f.FFmpegPath,
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-hls_time", "6",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(dstDir, "seg_%04d.ts"),
		playlist,
	)
	if err != nil {
		return "", err
	}
	return playlist, nil
}

func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("media: %s failed: %w: %s", bin, err, truncate(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
