package camera

// ffmpegOutputArgs are the shared output options for ffmpeg based backends:
// an MJPEG stream on stdout, rotated when configured.
func ffmpegOutputArgs(config Config) []string {
	var args []string
	if config.Rotation == 180 {
		args = append(args, "-vf", "hflip,vflip")
	}
	return append(args,
		"-f", "mjpeg", // MJPEG output stream
		"-q:v", "5", // Quality
		"-hide_banner",
		"-loglevel", "error", // Only show errors
		"-", // Output to stdout
	)
}
