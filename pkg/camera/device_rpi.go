//go:build linux && arm64

package camera

import (
	"fmt"
	"os/exec"
	"strconv"
)

// deviceCommand builds an rpicam-vid (or legacy libcamera-vid) invocation that
// streams MJPEG to stdout. libcamera-apps properly handles the Camera Module
// v3 ISP, which ffmpeg's v4l2 input does not.
func deviceCommand(config Config) (*exec.Cmd, error) {
	// Determine command name (rpicam-vid for newer OS, libcamera-vid for older)
	cmdName := "rpicam-vid"
	if _, err := exec.LookPath(cmdName); err != nil {
		cmdName = "libcamera-vid"
		if _, err := exec.LookPath(cmdName); err != nil {
			return nil, fmt.Errorf("neither rpicam-vid nor libcamera-vid found")
		}
	}

	args := []string{
		"--width", strconv.Itoa(config.Width),
		"--height", strconv.Itoa(config.Height),
		"--timeout", "0", // Run indefinitely
		"--nopreview",
		"--codec", "mjpeg",
		"--quality", strconv.Itoa(config.Quality),
		"--framerate", strconv.Itoa(config.FPS),
		"--buffer-count", strconv.Itoa(config.Buffer),
		"--autofocus-mode", "auto",
		"--awb", "auto",
		"--metering", "average",
	}
	if config.Rotation == 180 {
		args = append(args, "--rotation", "180")
	}
	args = append(args, "--output", "-")

	return exec.Command(cmdName, args...), nil
}
