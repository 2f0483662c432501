package snapshot

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ErrNoToken is returned when neither an inline token nor a token file is usable.
var ErrNoToken = errors.New("no printer token configured")

// ResolveToken returns inline unchanged if it is set. Otherwise it reads the
// first line of the file at path. The file is never touched when an inline
// token exists.
func ResolveToken(inline, path string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path == "" {
		return "", ErrNoToken
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrNoToken, path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var token string
	if scanner.Scan() {
		token = strings.TrimSpace(scanner.Text())
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, path)
	}
	return token, nil
}

// DefaultFingerprint derives a stable camera fingerprint from the host name,
// so a restarted service keeps reporting as the same camera.
func DefaultFingerprint() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "printer-cam"
	}
	id := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host))
	return strings.ReplaceAll(id.String(), "-", "")
}
