package emitter

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// FFmpegClipExtractor extracts a frame range into a standalone clip
// by shelling out to ffmpeg, building an external-process command
// (os/exec) from structured parameters rather than a
// string-concatenated shell command.
type FFmpegClipExtractor struct {
	OutputDir string
	Binary    string // defaults to "ffmpeg" if empty
}

// NewFFmpegClipExtractor builds an extractor writing clips under dir.
func NewFFmpegClipExtractor(dir string) *FFmpegClipExtractor {
	return &FFmpegClipExtractor{OutputDir: dir, Binary: "ffmpeg"}
}

func (f *FFmpegClipExtractor) binary() string {
	if f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

// Extract copies [startFrame, endFrame) from sourcePath into a new
// clip file under OutputDir by running ffmpeg with an input seek to
// startFrame/fps, a duration of (endFrame-startFrame)/fps, and stream
// copy (-c copy).
func (f *FFmpegClipExtractor) Extract(ctx context.Context, sourcePath string, startFrame, endFrame int, fps float64) (string, error) {
	if fps <= 0 {
		return "", fmt.Errorf("emitter: clip extraction requires a positive fps, got %g", fps)
	}
	startSec := float64(startFrame) / fps
	durationSec := float64(endFrame-startFrame) / fps
	if durationSec <= 0 {
		return "", fmt.Errorf("emitter: clip extraction requires endFrame > startFrame")
	}

	outPath := filepath.Join(f.OutputDir, uuid.NewString()+".mp4")
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(startSec, 'f', 3, 64),
		"-i", sourcePath,
		"-t", strconv.FormatFloat(durationSec, 'f', 3, 64),
		"-c", "copy",
		outPath,
	}

	cmd := exec.CommandContext(ctx, f.binary(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("emitter: ffmpeg clip extraction failed: %w (%s)", err, out)
	}
	return outPath, nil
}
