//go:build linux && !arm64

package camera

import (
	"fmt"
	"os/exec"
	"strconv"
)

const defaultDevice = "/dev/video0"

// deviceCommand captures from a V4L2 webcam through ffmpeg.
func deviceCommand(config Config) (*exec.Cmd, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	device := config.Device
	if device == "" {
		device = defaultDevice
	}

	args := []string{
		"-f", "v4l2",
		"-thread_queue_size", strconv.Itoa(config.Buffer),
		"-framerate", strconv.Itoa(config.FPS),
		"-video_size", fmt.Sprintf("%dx%d", config.Width, config.Height),
		"-i", device,
	}
	return exec.Command("ffmpeg", append(args, ffmpegOutputArgs(config)...)...), nil
}
