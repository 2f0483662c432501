package config

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/wachiwi/printer-cam/pkg/camera"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, envMap(map[string]string{"HOME": "/home/pi"}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 8000 || cfg.Width != 1920 || cfg.Height != 1080 || cfg.Rotation != 180 {
		t.Errorf("Unexpected stream defaults: %+v", cfg)
	}
	if cfg.Buffer != 8 || cfg.FPS != 30 {
		t.Errorf("Unexpected capture defaults: buffer=%d fps=%d", cfg.Buffer, cfg.FPS)
	}
	if cfg.MotionThreshold != 12 || cfg.WaitAfterMotion != 30*time.Second || cfg.MotionNLoops != 15 || cfg.WaitAfterNLoops != 5*time.Second {
		t.Errorf("Unexpected motion defaults: %+v", cfg)
	}
	if cfg.TokenPath != "/home/pi/.api/prusa/token" {
		t.Errorf("Unexpected token path %s", cfg.TokenPath)
	}
	if cfg.SnapshotURL != DefaultSnapshotURL || cfg.SnapshotDir != "/tmp" || cfg.HistoryPath != "/tmp/uploads.json" {
		t.Errorf("Unexpected snapshot defaults: %+v", cfg)
	}
	if !cfg.Detect {
		t.Error("Detection should be enabled by default")
	}
	if cfg.Fingerprint == "" {
		t.Error("Expected a default fingerprint")
	}
	if cfg.MQTTBroker != "" || cfg.MQTTTopic != "printer-cam/motion" {
		t.Errorf("Unexpected MQTT defaults: %q %q", cfg.MQTTBroker, cfg.MQTTTopic)
	}
	if n := cfg.Notify(); n.Camera != cfg.Fingerprint || n.ClientID == "" {
		t.Errorf("Unexpected notify config %+v", n)
	}
	if cfg.Addr() != ":8000" {
		t.Errorf("Unexpected addr %s", cfg.Addr())
	}
}

func TestLoadEnvironment(t *testing.T) {
	cfg, err := Load(nil, envMap(map[string]string{
		"PORT":                    "9000",
		"RESOLUTION":              "640x480",
		"ROTATION":                "0",
		"WAIT_AFTER_MOTION":       "60",
		"WAIT_AFTER_N_LOOPS":      "1.5",
		"MOTION_THRESHOLD":        "7.5",
		"PRINTER_TOKEN":           "abc123",
		"PRINTER_TOKEN_TRANSPORT": "QUERY",
		"UPLOAD_TIMEOUT":          "3s",
		"SNAPSHOT_DIR":            "/var/snapshots",
	}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9000 || cfg.Width != 640 || cfg.Height != 480 || cfg.Rotation != 0 {
		t.Errorf("Environment not applied: %+v", cfg)
	}
	if cfg.WaitAfterMotion != time.Minute || cfg.WaitAfterNLoops != 1500*time.Millisecond {
		t.Errorf("Unexpected cooldowns %v, %v", cfg.WaitAfterMotion, cfg.WaitAfterNLoops)
	}
	if cfg.MotionThreshold != 7.5 || cfg.Token != "abc123" || cfg.TokenTransport != "query" {
		t.Errorf("Unexpected upload settings: %+v", cfg)
	}
	if cfg.UploadTimeout != 3*time.Second || cfg.HistoryPath != "/var/snapshots/uploads.json" {
		t.Errorf("Unexpected upload timeout or history path: %+v", cfg)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	env := envMap(map[string]string{"PORT": "9000", "FPS": "10"})
	cfg, err := Load([]string{"-p", "8080", "--fps", "15", "-s", "1280x720", "-r", "0", "-N"}, env)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 8080 || cfg.FPS != 15 || cfg.Width != 1280 || cfg.Height != 720 || cfg.Rotation != 0 {
		t.Errorf("Flags not applied: %+v", cfg)
	}
	if cfg.Detect {
		t.Error("-N should disable detection")
	}
}

func TestInlineTokenIsNotTrimmed(t *testing.T) {
	cfg, err := Load(nil, envMap(map[string]string{"PRINTER_TOKEN": "abc123 "}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Token != "abc123 " {
		t.Errorf("Expected the token unchanged, got %q", cfg.Token)
	}
}

func TestHelpPrintsFlags(t *testing.T) {
	var out bytes.Buffer
	usageOutput = &out
	defer func() { usageOutput = os.Stderr }()

	for _, arg := range []string{"-h", "--help"} {
		out.Reset()
		if _, err := Load([]string{arg}, envMap(nil)); !errors.Is(err, flag.ErrHelp) {
			t.Fatalf("%s: expected flag.ErrHelp, got %v", arg, err)
		}
		for _, name := range []string{"-fps", "-port", "-rot", "-size", "-no-detect"} {
			if !strings.Contains(out.String(), name) {
				t.Errorf("%s: usage does not mention %s:\n%s", arg, name, out.String())
			}
		}
	}
}

func TestInvalidRotationIsRejected(t *testing.T) {
	for _, rot := range []string{"90", "270", "45"} {
		_, err := Load(nil, envMap(map[string]string{"ROTATION": rot}))
		if !errors.Is(err, camera.ErrInvalidRotation) {
			t.Errorf("ROTATION=%s: expected ErrInvalidRotation, got %v", rot, err)
		}
	}
	if _, err := Load([]string{"--rot", "90"}, envMap(nil)); !errors.Is(err, camera.ErrInvalidRotation) {
		t.Errorf("--rot 90: expected ErrInvalidRotation, got %v", err)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "bad resolution", env: map[string]string{"RESOLUTION": "big"}},
		{name: "zero width", args: []string{"-s", "0x480"}},
		{name: "bad port", env: map[string]string{"PORT": "http"}},
		{name: "port out of range", env: map[string]string{"PORT": "70000"}},
		{name: "bad duration", env: map[string]string{"WAIT_AFTER_MOTION": "soon"}},
		{name: "bad transport", env: map[string]string{"PRINTER_TOKEN_TRANSPORT": "cookie"}},
		{name: "negative loops", env: map[string]string{"MOTION_N_LOOPS": "-1"}},
		{name: "unknown flag", args: []string{"--verbose"}},
		{name: "unknown backend", env: map[string]string{"CAMERA_BACKEND": "usb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args, envMap(tt.env)); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"30":   30 * time.Second,
		"0.5":  500 * time.Millisecond,
		"2m":   2 * time.Minute,
		"1h5m": time.Hour + 5*time.Minute,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		if err != nil || got != want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
