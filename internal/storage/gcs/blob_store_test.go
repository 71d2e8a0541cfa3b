package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	buf      bytes.Buffer
	writeErr error
	closeErr error
	closed   bool
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func storeWith(t *testing.T, w *fakeWriter, gotObject *string) *BlobStore {
	t.Helper()
	store, err := newWithFactory(Config{Bucket: "snapshots"}, func(_ context.Context, bucket, object, contentType string) io.WriteCloser {
		require.Equal(t, "snapshots", bucket)
		require.Equal(t, "text/html", contentType)
		*gotObject = object
		return w
	})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = newWithFactory(Config{}, nil)
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	var object string
	store := storeWith(t, w, &object)

	uri, err := store.PutObject(context.Background(), "pages/ex.test/abc.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/pages/ex.test/abc.html", uri)
	require.Equal(t, "pages/ex.test/abc.html", object)
	require.Equal(t, "<html/>", w.buf.String())
	require.True(t, w.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	var object string
	store := storeWith(t, &fakeWriter{writeErr: errors.New("quota")}, &object)
	_, err := store.PutObject(context.Background(), "a.html", "text/html", []byte("x"))
	require.ErrorContains(t, err, "quota")

	store = storeWith(t, &fakeWriter{closeErr: errors.New("precondition")}, &object)
	_, err = store.PutObject(context.Background(), "a.html", "text/html", []byte("x"))
	require.ErrorContains(t, err, "close writer")

	_, err = store.PutObject(context.Background(), " ", "text/html", nil)
	require.Error(t, err)
}
