package integration

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// RendererStatus reports availability of the external preview renderer binary.
type RendererStatus struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
}

var versionPattern = regexp.MustCompile(`(\d+(?:\.\d+)+)`)

// CheckRenderer resolves the renderer binary and probes its version. A binary
// that exists but does not answer "--version" still counts as available; the
// render contract only requires "<binary> <source> <dest>".
func CheckRenderer(binaryPath string) RendererStatus {
	var status RendererStatus

	path, err := resolveBinaryPath(binaryPath)
	if err != nil {
		return status
	}
	status.Available = true
	status.Path = path

	cmd := exec.Command(path, "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if cmd.Run() == nil {
		firstLine := strings.SplitN(out.String(), "\n", 2)[0]
		if m := versionPattern.FindString(firstLine); m != "" {
			status.Version = m
		}
	}
	return status
}

// resolveBinaryPath handles both absolute paths and PATH lookup.
func resolveBinaryPath(binaryPath string) (string, error) {
	if filepath.IsAbs(binaryPath) {
		if _, err := os.Stat(binaryPath); err != nil {
			return "", err
		}
		return binaryPath, nil
	}
	return exec.LookPath(binaryPath)
}
