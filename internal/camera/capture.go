package camera

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Grabber captures a single JPEG frame from a device or stream address.
type Grabber interface {
	Grab(ctx context.Context, source string, network bool, resolution string) ([]byte, error)
}

// FFmpegGrabber shells out to ffmpeg for one frame per call.
type FFmpegGrabber struct {
	Binary string
}

// NewFFmpegGrabber returns a grabber using the ffmpeg binary on PATH.
func NewFFmpegGrabber() *FFmpegGrabber {
	return &FFmpegGrabber{Binary: "ffmpeg"}
}

// Grab captures one frame. Network sources are passed to ffmpeg unmodified.
func (g *FFmpegGrabber) Grab(ctx context.Context, source string, network bool, resolution string) ([]byte, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if network {
		if strings.HasPrefix(source, "rtsp://") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, "-i", source)
	} else {
		args = append(args, "-f", "v4l2")
		if resolution != "" {
			args = append(args, "-video_size", resolution)
		}
		args = append(args, "-i", source)
	}
	args = append(args, "-vframes", "1", "-f", "mjpeg", "-q:v", "2", "-")

	cmd := exec.CommandContext(ctx, g.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame for %s", source)
	}
	return stdout.Bytes(), nil
}
