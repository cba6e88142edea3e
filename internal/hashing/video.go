package hashing

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// No pure-Go decoder in the dependency set handles arbitrary video
// containers, so duration probing and frame extraction shell out to the
// ffprobe/ffmpeg binaries on PATH, the common approach Go media tools take
// absent a native decoder.

// ProbeDuration returns the container duration of the video at path in
// seconds, via ffprobe.
func ProbeDuration(path string) (float64, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("hashing: ffprobe duration of %s: %w: %s", filepath.Base(path), err, stderr.String())
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("hashing: parse ffprobe duration %q: %w", strings.TrimSpace(stdout.String()), err)
	}
	return d, nil
}

// MiddleFrame extracts the middle frame of the video at path and decodes it
// as an image. A non-positive durationSeconds probes the container with
// ffprobe first; only if probing also fails does extraction fall back to
// the first frame.
func MiddleFrame(path string, durationSeconds float64) (image.Image, error) {
	if durationSeconds <= 0 {
		d, err := ProbeDuration(path)
		if err == nil {
			durationSeconds = d
		}
	}

	tmp, err := os.CreateTemp("", "boorukeep-frame-*.png")
	if err != nil {
		return nil, fmt.Errorf("hashing: create temp frame file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	args := []string{"-y", "-i", path}
	if durationSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", durationSeconds/2))
	} else {
		args = append(args, "-vf", "select='eq(n\\,0)'")
	}
	args = append(args, "-frames:v", "1", tmpPath)

	cmd := exec.Command("ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("hashing: ffmpeg extract middle frame of %s: %w: %s", filepath.Base(path), err, stderr.String())
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("hashing: open extracted frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("hashing: decode extracted frame: %w", err)
	}
	return img, nil
}
