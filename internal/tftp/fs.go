package tftp

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// FileSystem is the byte-stream source/sink capability the session engine
// and listener consume. It is deliberately narrow: the engine never learns
// about directories, permissions, or any path outside what it was asked to
// open.
type FileSystem interface {
	// Open opens name for reading (RRQ). Errors are classified by
	// ClassifyOpenError.
	Open(name string) (io.ReadCloser, error)
	// Create opens name for writing (WRQ), truncating an existing file or
	// creating a new one — the Go equivalent of the original's
	// fopen(name, "w"). Errors are classified by ClassifyOpenError.
	Create(name string) (io.WriteCloser, error)
	// Resolve enforces path containment within the filesystem's base
	// directory, returning ErrPathRejected (wrapped with detail) if name
	// escapes it. It does not touch the filesystem beyond the
	// canonicalization needed to detect symlink escapes.
	Resolve(name string) (string, error)
}

// ErrPathRejected is returned by Resolve when a requested filename would
// escape the base directory.
var ErrPathRejected = errors.New("filename outside base directory")

// DirFS is the production FileSystem, rooted at a base directory. The
// process is expected to have os.Chdir'd into base already (spec §6), so
// relative names resolve the way the original's fopen() calls did; Resolve
// is still enforced independently of the working directory so the
// containment check holds even if that invariant is ever violated.
type DirFS struct {
	base string
}

// NewDirFS builds a DirFS rooted at base. base must already be an absolute,
// existing directory; callers typically derive it via filepath.Abs right
// after os.Chdir.
func NewDirFS(base string) (*DirFS, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errors.Wrap(err, "resolve base directory")
	}
	return &DirFS{base: abs}, nil
}

// Resolve applies the path-containment rule transcribed literally from
// original_source/tftpserv.c (reject a "../" prefix, a "/../" substring, or
// an absolute path that doesn't start with the base directory), then — per
// spec §9's REDESIGN note that the literal check "does not resolve
// symlinks, '.' segments, or equivalent absolute/relative forms" — also
// canonicalizes the resulting path and re-checks containment against the
// canonical base directory. The literal check runs first and alone decides
// the documented test cases (§8 property 7); the canonicalization is
// additional hardening layered on top, not a replacement for it.
func (d *DirFS) Resolve(name string) (string, error) {
	if strings.HasPrefix(name, "../") || strings.Contains(name, "/../") {
		return "", errors.Wrapf(ErrPathRejected, "%q", name)
	}
	if filepath.IsAbs(name) && !strings.HasPrefix(name, d.base) {
		return "", errors.Wrapf(ErrPathRejected, "%q", name)
	}

	joined := name
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(d.base, name)
	}

	canonicalBase := d.base
	if resolvedBase, err := filepath.EvalSymlinks(d.base); err == nil {
		canonicalBase = resolvedBase
	}

	canonical := joined
	if resolved, err := filepath.EvalSymlinks(joined); err == nil {
		canonical = resolved
	} else {
		// The target may not exist yet (a WRQ creating a new file); fall
		// back to canonicalizing its parent directory, which must exist.
		if resolvedDir, derr := filepath.EvalSymlinks(filepath.Dir(joined)); derr == nil {
			canonical = filepath.Join(resolvedDir, filepath.Base(joined))
		}
	}

	rel, err := filepath.Rel(canonicalBase, canonical)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrPathRejected, "%q escapes base directory via symlink or '..' segment", name)
	}

	return joined, nil
}

// Open resolves name and opens it for reading. The returned value only
// implements io.ReadCloser, even though the underlying *os.File also has a
// Write method — narrowing it keeps a Session that type-asserts a stream
// against io.Writer from ever finding one for an RRQ.
func (d *DirFS) Open(name string) (io.ReadCloser, error) {
	resolved, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, err
	}
	return readCloser{f}, nil
}

// Create resolves name and opens it for writing, truncating or creating.
// As with Open, the returned value is narrowed to io.WriteCloser only.
func (d *DirFS) Create(name string) (io.WriteCloser, error) {
	resolved, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return writeCloser{f}, nil
}

// readCloser and writeCloser narrow *os.File to exactly the methods their
// direction needs, so a FileSystem caller can't accidentally read from a
// write-only handle or vice versa via a type assertion.
type readCloser struct{ f *os.File }

func (r readCloser) Read(p []byte) (int, error) { return r.f.Read(p) }
func (r readCloser) Close() error               { return r.f.Close() }

type writeCloser struct{ f *os.File }

func (w writeCloser) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w writeCloser) Close() error                { return w.f.Close() }

// ClassifyOpenError maps a filesystem error to the wire-level ErrorCode the
// listener should report, per spec §7's OpenFailure mapping:
// ENOENT -> 1, EACCES/EPERM -> 2, ENOSPC -> 3, EEXIST -> 6, others -> 0.
func ClassifyOpenError(err error) ErrorCode {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrAccessViolation
	case errors.Is(err, syscall.ENOSPC):
		return ErrDiskFull
	case errors.Is(err, fs.ErrExist):
		return ErrFileExists
	default:
		return ErrNotDefined
	}
}
