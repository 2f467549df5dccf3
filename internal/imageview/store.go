// Package imageview writes images produced by kernels to disk and opens them
// in an external viewer.
package imageview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"

	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

// ErrViewerUnavailable indicates no image viewer could be launched. The image
// file is still written.
var ErrViewerUnavailable = errors.New("image viewer unavailable")

// Config configures the image store.
type Config struct {
	// Dir receives the PNG files. Defaults to <tmp>/kernelq-images.
	Dir string
	// Viewer is the command (with optional arguments) the image path is
	// appended to. Defaults to xdg-open, or open on macOS.
	Viewer string
	// Show enables launching the viewer.
	Show   bool
	Logger pslog.Logger
}

// Store implements core.ImageStore on the local filesystem.
type Store struct {
	dir    string
	viewer []string
	show   bool
	logger pslog.Logger

	lookPath func(string) (string, error)
	start    func(cmd *exec.Cmd) error
}

// DefaultViewer returns the platform's file opener.
func DefaultViewer() string {
	if runtime.GOOS == "darwin" {
		return "open"
	}
	return "xdg-open"
}

// New constructs a Store, creating the image directory.
func New(cfg Config) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "kernelq-images")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	viewer := strings.TrimSpace(cfg.Viewer)
	if viewer == "" {
		viewer = DefaultViewer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		dir:      dir,
		viewer:   strings.Fields(viewer),
		show:     cfg.Show,
		logger:   logger,
		lookPath: exec.LookPath,
		start:    startDetached,
	}, nil
}

// Dir returns the directory images are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes png to a new file and returns its path.
func (s *Store) Save(_ context.Context, session schema.SessionName, png []byte) (string, error) {
	if len(png) == 0 {
		return "", errors.New("empty image")
	}
	f, err := os.CreateTemp(s.dir, prefix(session)+"-*.png")
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}
	if _, err := f.Write(png); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write image file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write image file: %w", err)
	}
	s.logger.Debug("image saved", "session", session, "path", f.Name(), "bytes", len(png))
	return f.Name(), nil
}

// Show opens path in the viewer without waiting for it to exit. It is a
// no-op when showing is disabled.
func (s *Store) Show(_ context.Context, path string) error {
	if !s.show {
		return nil
	}
	if len(s.viewer) == 0 {
		return ErrViewerUnavailable
	}
	bin, err := s.lookPath(s.viewer[0])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrViewerUnavailable, s.viewer[0])
	}
	args := append(append([]string(nil), s.viewer[1:]...), path)
	cmd := exec.Command(bin, args...)
	if err := s.start(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrViewerUnavailable, err)
	}
	s.logger.Debug("image viewer started", "viewer", s.viewer[0], "path", path)
	return nil
}

func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func prefix(session schema.SessionName) string {
	var b strings.Builder
	for _, r := range string(session) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	if b.Len() == 0 {
		return "kernelq"
	}
	return b.String()
}
