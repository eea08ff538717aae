// Package integration wraps the external preview renderer binary.
package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shelfarr/Shelfarr/internal/logger"
)

// Render error classification. The pool treats timeouts and missing sources
// differently from genuine render failures.
const (
	ErrorTypeTimeout         = "timeout"
	ErrorTypeSourceMissing   = "source_missing"
	ErrorTypeRendererMissing = "renderer_missing"
	ErrorTypeRenderFailed    = "render_failed"
	ErrorTypeInvalidPath     = "invalid_path"
	ErrorTypeCircuitOpen     = "circuit_open"
)

// RenderError carries a classification alongside the message.
type RenderError struct {
	Type    string
	Message string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Renderer produces a preview image for a source asset.
type Renderer interface {
	Render(ctx context.Context, source, dest string) error
}

// CmdRenderer invokes the external renderer binary. The contract is
// "<binary> <source> <dest>": read the asset at source, write a PNG at dest,
// exit non-zero on failure.
type CmdRenderer struct {
	BinaryPath string
	Timeout    time.Duration
}

// Compile-time assertion that CmdRenderer implements Renderer
var _ Renderer = (*CmdRenderer)(nil)

// NewRenderer creates a renderer client for the given binary with a
// per-invocation wall-clock budget.
func NewRenderer(binaryPath string, timeout time.Duration) *CmdRenderer {
	return &CmdRenderer{BinaryPath: binaryPath, Timeout: timeout}
}

// validateAssetPath ensures a file path is safe to pass to the subprocess.
// Since we use exec.Command directly (not via shell), the concerns are null
// bytes, newlines, and relative paths; shell metacharacters are passed
// through literally and are harmless.
func validateAssetPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("path contains null byte: %s", path)
	}
	if strings.Contains(path, "\n") || strings.Contains(path, "\r") {
		return fmt.Errorf("path contains newline: %s", path)
	}
	return nil
}

// Render runs the renderer binary for one asset. The invocation is bounded by
// both the configured timeout and the caller's context; whichever fires first
// kills the process.
func (r *CmdRenderer) Render(ctx context.Context, source, dest string) error {
	if err := validateAssetPath(source); err != nil {
		return &RenderError{Type: ErrorTypeInvalidPath, Message: err.Error()}
	}
	if err := validateAssetPath(dest); err != nil {
		return &RenderError{Type: ErrorTypeInvalidPath, Message: err.Error()}
	}

	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return &RenderError{Type: ErrorTypeSourceMissing, Message: fmt.Sprintf("source does not exist: %s", source)}
		}
		return &RenderError{Type: ErrorTypeSourceMissing, Message: fmt.Sprintf("cannot access source: %v", err)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &RenderError{Type: ErrorTypeRenderFailed, Message: fmt.Sprintf("cannot create output directory: %v", err)}
	}

	cmd := exec.Command(r.BinaryPath, source, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &RenderError{Type: ErrorTypeRendererMissing, Message: fmt.Sprintf("renderer binary not found: %s", r.BinaryPath)}
		}
		return &RenderError{Type: ErrorTypeRenderFailed, Message: fmt.Sprintf("failed to start renderer: %v", err)}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	select {
	case <-ctx.Done():
		r.kill(cmd, done)
		return &RenderError{Type: ErrorTypeTimeout, Message: fmt.Sprintf("render cancelled: %v", ctx.Err())}
	case <-time.After(timeout):
		r.kill(cmd, done)
		return &RenderError{Type: ErrorTypeTimeout, Message: fmt.Sprintf("renderer timed out after %v", timeout)}
	case err := <-done:
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return &RenderError{Type: ErrorTypeRenderFailed, Message: msg}
		}
	}

	// A zero-byte output means the renderer lied about success.
	if info, err := os.Stat(dest); err != nil || info.Size() == 0 {
		return &RenderError{Type: ErrorTypeRenderFailed, Message: "renderer produced no output"}
	}

	return nil
}

// kill terminates the subprocess and reaps it so no zombie is left behind.
func (r *CmdRenderer) kill(cmd *exec.Cmd, done chan error) {
	if cmd.Process != nil {
		// Errors expected if the process already exited
		if killErr := cmd.Process.Kill(); killErr != nil {
			logger.Debugf("Renderer kill returned: %v (may be already exited)", killErr)
		}
	}
	<-done
}
