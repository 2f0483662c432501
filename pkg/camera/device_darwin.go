//go:build darwin

package camera

import (
	"fmt"
	"os/exec"
	"strconv"
)

// Device 0 = default camera
const defaultDevice = "0"

// deviceCommand captures from the macOS webcam using ffmpeg.
// This allows local development with actual camera input.
func deviceCommand(config Config) (*exec.Cmd, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	device := config.Device
	if device == "" {
		device = defaultDevice
	}

	// -framerate MUST be 30 for most Mac cameras (they don't support arbitrary framerates)
	args := []string{
		"-f", "avfoundation",
		"-thread_queue_size", strconv.Itoa(config.Buffer),
		"-framerate", "30",
		"-video_size", fmt.Sprintf("%dx%d", config.Width, config.Height),
		"-i", device,
		"-r", strconv.Itoa(config.FPS),
	}
	return exec.Command("ffmpeg", append(args, ffmpegOutputArgs(config)...)...), nil
}
