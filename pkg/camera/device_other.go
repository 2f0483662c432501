//go:build !linux && !darwin

package camera

import (
	"fmt"
	"os/exec"
	"runtime"
)

// deviceCommand is a stub for platforms without a capture backend.
func deviceCommand(Config) (*exec.Cmd, error) {
	return nil, fmt.Errorf("no camera capture backend on %s, use CAMERA_BACKEND=pattern", runtime.GOOS)
}
