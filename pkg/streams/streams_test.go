package streams_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CenterForOpenScience/waterbutler/pkg/streams"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

func TestNewReaderReportsSizeAndClosesInner(t *testing.T) {
	inner := io.NopCloser(strings.NewReader("hello"))
	s := streams.NewReader(inner, 5)
	require.EqualValues(t, 5, s.Size())

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.NoError(t, s.Close())
}

func TestHashStreamDigests(t *testing.T) {
	payload := []byte("the quick brown fox")
	hs := streams.NewHashStream(streams.NewReader(bytes.NewReader(payload), int64(len(payload))), "md5", "sha256")

	_, err := io.Copy(io.Discard, hs)
	require.NoError(t, err)

	wantMD5 := md5.Sum(payload)
	wantSHA := sha256.Sum256(payload)
	digests := hs.Digests()
	require.Equal(t, hex.EncodeToString(wantMD5[:]), digests["md5"])
	require.Equal(t, hex.EncodeToString(wantSHA[:]), digests["sha256"])
	require.Equal(t, []string{"md5", "sha256"}, hs.Algorithms())
}

func TestHashStreamDefaultsToSHA256(t *testing.T) {
	hs := streams.NewHashStream(streams.NewReader(strings.NewReader("x"), 1))
	require.Equal(t, []string{"sha256"}, hs.Algorithms())
}

func TestCutoffStreamShortUpstreamIsTruncated(t *testing.T) {
	cs := streams.NewCutoffStream(streams.NewReader(strings.NewReader("abc"), 3), 10)
	require.EqualValues(t, 10, cs.Size())

	_, err := io.Copy(io.Discard, cs)
	require.True(t, wberror.Is(err, wberror.Truncated))
}

func TestCutoffStreamStopsAtLimit(t *testing.T) {
	cs := streams.NewCutoffStream(streams.NewReader(strings.NewReader("abcdefgh"), 8), 5)
	data, err := io.ReadAll(cs)
	require.NoError(t, err)
	require.Equal(t, "abcde", string(data))
}

func TestZipStreamRoundTrip(t *testing.T) {
	entry := func(name, body string) streams.ZipEntry {
		return streams.ZipEntry{
			Name: name,
			Open: func(ctx context.Context) (streams.Stream, error) {
				return streams.NewReader(strings.NewReader(body), int64(len(body))), nil
			},
		}
	}

	zs := streams.NewZipStream(context.Background(), []streams.ZipEntry{
		entry("b/nested.txt", "nested"),
		entry("a.txt", "alpha"),
	})
	require.Equal(t, streams.SizeUnknown, zs.Size())

	raw, err := io.ReadAll(zs)
	require.NoError(t, err)
	require.NoError(t, zs.Close())

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	require.Equal(t, "a.txt", zr.File[0].Name)
	require.Equal(t, "b/nested.txt", zr.File[1].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "alpha", string(body))
}

func TestZipStreamCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	zs := streams.NewZipStream(ctx, []streams.ZipEntry{{
		Name: "never.txt",
		Open: func(ctx context.Context) (streams.Stream, error) {
			t.Fatal("entry opened after cancel")
			return nil, nil
		},
	}})
	_, err := io.ReadAll(zs)
	require.ErrorIs(t, err, context.Canceled)
}
