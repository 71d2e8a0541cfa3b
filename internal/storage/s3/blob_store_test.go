package s3

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if in.Body != nil {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		f.body = b
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	fake := &fakePutter{}
	store := newWithClient(fake, "media-snapshots")

	uri, err := store.PutObject(context.Background(), "snapshots/ex.test/abc.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "s3://media-snapshots/snapshots/ex.test/abc.html", uri)
	require.Equal(t, "media-snapshots", aws.ToString(fake.input.Bucket))
	require.Equal(t, "snapshots/ex.test/abc.html", aws.ToString(fake.input.Key))
	require.Equal(t, "text/html", aws.ToString(fake.input.ContentType))
	require.Equal(t, int64(7), aws.ToInt64(fake.input.ContentLength))
	require.Equal(t, "<html/>", string(fake.body))
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := newWithClient(&fakePutter{err: errors.New("access denied")}, "b")
	_, err := store.PutObject(context.Background(), "k", "", []byte("x"))
	require.ErrorContains(t, err, "access denied")

	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   string
		ssl  bool
		want string
	}{
		"empty":         {in: "", want: ""},
		"bare host":     {in: "minio:9000", want: "http://minio:9000"},
		"bare host ssl": {in: "s3.example.com", ssl: true, want: "https://s3.example.com"},
		"full url path": {in: "https://r2.example.com/bucket/x", want: "https://r2.example.com"},
		"explicit http": {in: "http://localhost:9000/", ssl: true, want: "http://localhost:9000"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, endpointURL(tc.in, tc.ssl))
		})
	}
}
