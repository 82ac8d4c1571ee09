// Package workspace manages the per-run download directory.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pminervini/open-deep-research/types"
)

// Workspace is a directory where fetched binaries are saved before conversion.
type Workspace struct {
	Dir string
}

// New creates dir if needed and returns a Workspace rooted there.
func New(dir string) (*Workspace, error) {
	if dir == "" {
		return nil, errors.New("workspace dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, wrapFSError("create workspace dir", err)
	}
	return &Workspace{Dir: abs}, nil
}

// Path returns the absolute path of name inside the workspace. Directory
// components in name are discarded.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, SanitizeName(name))
}

// Save writes r to a new file named after name. An existing file is never
// overwritten: on collision a uuid suffix is inserted before the extension.
// Data is written to a temp file first and renamed into place, so readers
// never observe a partial download.
func (w *Workspace) Save(name string, r io.Reader) (string, error) {
	clean := SanitizeName(name)
	ext := filepath.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)

	target, err := w.reserve(stem, ext)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(w.Dir, ".download-*")
	if err != nil {
		_ = os.Remove(target)
		return "", wrapFSError("create temp file", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		_ = os.Remove(target)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		cleanup()
		return "", wrapFSError("write download", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", wrapFSError("close download", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return "", wrapFSError("rename download", err)
	}
	return target, nil
}

// reserve claims a unique path with O_CREATE|O_EXCL.
func (w *Workspace) reserve(stem, ext string) (string, error) {
	candidate := filepath.Join(w.Dir, stem+ext)
	for attempt := 0; attempt < 8; attempt++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", wrapFSError("reserve download path", err)
		}
		candidate = filepath.Join(w.Dir, fmt.Sprintf("%s-%s%s", stem, uuid.NewString()[:8], ext))
	}
	return "", fmt.Errorf("could not reserve a unique name for %s%s", stem, ext)
}

// Sibling returns the path with its extension replaced by ext if that file
// exists.
func Sibling(path, ext string) (string, bool) {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	candidate := strings.TrimSuffix(path, filepath.Ext(path)) + ext
	if candidate == path {
		return "", false
	}
	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() {
		return "", false
	}
	return candidate, true
}

// Sibling is the workspace-bound form of the package-level Sibling.
func (w *Workspace) Sibling(path, ext string) (string, bool) {
	return Sibling(path, ext)
}

// SanitizeName reduces name to a safe single path component.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "download"
	}
	return name
}

func wrapFSError(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %w", op, types.ErrResourceExhausted, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
