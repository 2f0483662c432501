// Command snapshot-upload sends one JPEG file to the snapshot endpoint using
// the same configuration as printer-cam. It is meant for checking the token
// and fingerprint by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/wachiwi/printer-cam/pkg/camera"
	"github.com/wachiwi/printer-cam/pkg/config"
	"github.com/wachiwi/printer-cam/pkg/history"
	"github.com/wachiwi/printer-cam/pkg/logger"
	"github.com/wachiwi/printer-cam/pkg/snapshot"
)

func main() {
	fs := flag.NewFlagSet("snapshot-upload", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [-record] FILE.jpg\n", os.Args[0])
		fs.PrintDefaults()
	}
	record := fs.Bool("record", false, "Append the attempt to the upload history")
	fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(nil, os.Getenv)
	if err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}
	logger.Setup(cfg.LogLevel)

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		logger.Fatal("Failed to read snapshot", "file", fs.Arg(0), "error", err)
	}

	token, err := snapshot.ResolveToken(cfg.Token, cfg.TokenPath)
	if err != nil {
		logger.Fatal("No printer token", "error", err)
	}

	var store *history.Store
	if *record {
		store = history.NewStore(cfg.HistoryPath, cfg.Retention)
	}
	uploader := snapshot.NewUploader(cfg.Uploader(token), store)

	frame := &camera.Frame{Data: data, Format: camera.FormatJPEG, Timestamp: time.Now()}
	if err := uploader.Upload(context.Background(), frame); err != nil {
		logger.Fatal("Upload failed", "error", err)
	}
	slog.Info("Upload succeeded", "url", cfg.SnapshotURL, "fingerprint", cfg.Fingerprint)
}
