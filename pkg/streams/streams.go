// Package streams provides the pull-based byte streams that move file
// content through the gateway.
//
// A Stream is an io.ReadCloser with a declared size, which may be unknown.
// Streams are single-pass unless documented otherwise; the pipeline reads
// only as fast as the destination accepts, so no wrapper buffers more than
// one chunk.
package streams

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// SizeUnknown is the Size() of a stream whose length is not known up front.
const SizeUnknown int64 = -1

// Stream is a byte source with a declared size.
type Stream interface {
	io.ReadCloser

	// Size returns the total number of bytes the stream will produce, or
	// SizeUnknown.
	Size() int64
}

// reader adapts any io.Reader into a Stream.
type reader struct {
	io.Reader
	size   int64
	closer io.Closer
}

func (r *reader) Size() int64 { return r.size }

func (r *reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// NewReader wraps r as a Stream of the given size. If r is an io.Closer it
// is closed with the stream.
func NewReader(r io.Reader, size int64) Stream {
	s := &reader{Reader: r, size: size}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// ── Hash stream ───────────────────────────────────────────────────────────────

// HashStream tees every byte read through one or more digest functions.
// Digests are final once the stream has been fully consumed.
type HashStream struct {
	inner  Stream
	hashes map[string]hash.Hash
}

// hash constructors by lowercase algorithm name.
var hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
}

// NewHashStream wraps inner with running digests for the named algorithms.
// Unknown algorithm names are ignored. With no names, sha256 is used.
func NewHashStream(inner Stream, algorithms ...string) *HashStream {
	if len(algorithms) == 0 {
		algorithms = []string{"sha256"}
	}
	hs := &HashStream{inner: inner, hashes: make(map[string]hash.Hash, len(algorithms))}
	for _, name := range algorithms {
		if newHash, ok := hashers[name]; ok {
			hs.hashes[name] = newHash()
		}
	}
	return hs
}

func (hs *HashStream) Read(p []byte) (int, error) {
	n, err := hs.inner.Read(p)
	if n > 0 {
		for _, h := range hs.hashes {
			h.Write(p[:n]) //nolint:errcheck // hash.Hash never errors
		}
	}
	return n, err
}

func (hs *HashStream) Close() error { return hs.inner.Close() }
func (hs *HashStream) Size() int64  { return hs.inner.Size() }

// Digests returns the lowercase hex digest for every algorithm, keyed by
// algorithm name. Only meaningful after the stream is exhausted.
func (hs *HashStream) Digests() map[string]string {
	out := make(map[string]string, len(hs.hashes))
	for name, h := range hs.hashes {
		out[name] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// Algorithms returns the algorithm names in lexical order.
func (hs *HashStream) Algorithms() []string {
	names := make([]string, 0, len(hs.hashes))
	for name := range hs.hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ── Response stream ───────────────────────────────────────────────────────────

// ResponseStream adapts a backend HTTP response body.
type ResponseStream struct {
	body        io.ReadCloser
	size        int64
	ContentType string
	Name        string
}

// NewResponseStream wraps resp.Body; the size comes from Content-Length.
func NewResponseStream(resp *http.Response) *ResponseStream {
	size := resp.ContentLength
	if size < 0 {
		size = SizeUnknown
	}
	return &ResponseStream{
		body:        resp.Body,
		size:        size,
		ContentType: resp.Header.Get("Content-Type"),
	}
}

func (rs *ResponseStream) Read(p []byte) (int, error) { return rs.body.Read(p) }
func (rs *ResponseStream) Close() error               { return rs.body.Close() }
func (rs *ResponseStream) Size() int64                { return rs.size }

// ── File stream ───────────────────────────────────────────────────────────────

// FileStream adapts an on-disk file. Unlike other streams it is restartable.
type FileStream struct {
	file *os.File
	size int64
}

// NewFileStream stats f to learn its size.
func NewFileStream(f *os.File) (*FileStream, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &FileStream{file: f, size: info.Size()}, nil
}

func (fs *FileStream) Read(p []byte) (int, error) { return fs.file.Read(p) }
func (fs *FileStream) Close() error               { return fs.file.Close() }
func (fs *FileStream) Size() int64                { return fs.size }

// Restart rewinds the stream to the beginning.
func (fs *FileStream) Restart() error {
	_, err := fs.file.Seek(0, io.SeekStart)
	return err
}

// ── Cutoff stream ─────────────────────────────────────────────────────────────

// CutoffStream reads exactly limit bytes from the upstream. If the upstream
// ends early the final Read returns a Truncated error.
type CutoffStream struct {
	inner Stream
	limit int64
	read  int64
}

// NewCutoffStream caps inner at limit bytes.
func NewCutoffStream(inner Stream, limit int64) *CutoffStream {
	return &CutoffStream{inner: inner, limit: limit}
}

func (cs *CutoffStream) Read(p []byte) (int, error) {
	remaining := cs.limit - cs.read
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := cs.inner.Read(p)
	cs.read += int64(n)
	if err == io.EOF && cs.read < cs.limit {
		return n, wberror.New(wberror.Truncated,
			"stream ended after %d of %d bytes", cs.read, cs.limit)
	}
	return n, err
}

func (cs *CutoffStream) Close() error { return cs.inner.Close() }
func (cs *CutoffStream) Size() int64  { return cs.limit }
