package tftp

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirFS(t *testing.T) (*DirFS, string) {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "foo.bin"), []byte("data"), 0o644))
	d, err := NewDirFS(base)
	require.NoError(t, err)
	return d, base
}

func TestDirFSResolveAcceptsPlainRelativeName(t *testing.T) {
	d, _ := newTestDirFS(t)
	resolved, err := d.Resolve("foo.bin")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(resolved))
}

func TestDirFSResolveAcceptsAbsoluteNameInsideBase(t *testing.T) {
	d, base := newTestDirFS(t)
	_, err := d.Resolve(filepath.Join(base, "foo.bin"))
	require.NoError(t, err)
}

func TestDirFSResolveRejectsDotDotPrefix(t *testing.T) {
	d, _ := newTestDirFS(t)
	_, err := d.Resolve("../etc/passwd")
	assert.ErrorIs(t, err, ErrPathRejected)
}

func TestDirFSResolveRejectsEmbeddedDotDot(t *testing.T) {
	d, _ := newTestDirFS(t)
	_, err := d.Resolve("foo/../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathRejected)
}

func TestDirFSResolveRejectsAbsolutePathOutsideBase(t *testing.T) {
	d, _ := newTestDirFS(t)
	_, err := d.Resolve("/etc/passwd")
	assert.ErrorIs(t, err, ErrPathRejected)
}

func TestDirFSOpenAndCreateNarrowInterfaces(t *testing.T) {
	d, _ := newTestDirFS(t)

	r, err := d.Open("foo.bin")
	require.NoError(t, err)
	defer r.Close()
	_, isWriter := r.(io.Writer)
	assert.False(t, isWriter, "Open's result must not also satisfy io.Writer")

	w, err := d.Create("new.bin")
	require.NoError(t, err)
	defer w.Close()
	_, isReader := w.(io.Reader)
	assert.False(t, isReader, "Create's result must not also satisfy io.Reader")
}

func TestDirFSOpenMissingFileClassifiesNotFound(t *testing.T) {
	d, _ := newTestDirFS(t)
	_, err := d.Open("missing.bin")
	require.Error(t, err)
	assert.Equal(t, ErrFileNotFound, ClassifyOpenError(err))
}

func TestClassifyOpenErrorPermission(t *testing.T) {
	assert.Equal(t, ErrAccessViolation, ClassifyOpenError(os.ErrPermission))
}

func TestClassifyOpenErrorDefault(t *testing.T) {
	assert.Equal(t, ErrNotDefined, ClassifyOpenError(assert.AnError))
}
