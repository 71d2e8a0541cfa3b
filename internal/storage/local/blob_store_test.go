package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "snapshots")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(Config{BaseDir: file})
	require.ErrorContains(t, err, "not a directory")
}

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "snapshots/ex.test/abc.html", "text/html", []byte("<html></html>"))
	require.NoError(t, err)

	want := filepath.Join(dir, "snapshots", "ex.test", "abc.html")
	require.Equal(t, "file://"+want, uri)
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(got))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", []byte("x"))
	require.ErrorContains(t, err, "path traversal")

	_, err = store.PutObject(context.Background(), "", "text/html", []byte("x"))
	require.Error(t, err)
}
