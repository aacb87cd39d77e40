package streams

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"sort"
)

// ZipEntry is one file in a zip archive. Open is deferred so that a large
// folder never holds more than one backend download open at a time.
type ZipEntry struct {
	// Name is the posix-style path of the entry relative to the archive root,
	// without a leading slash.
	Name string

	// Open produces the entry's content stream.
	Open func(ctx context.Context) (Stream, error)
}

// ZipStream produces a ZIP archive of the given entries in lexical order.
// The archive is built in a single pass, is not seekable, and has an unknown
// size. Entries are pulled one at a time; cancelling ctx aborts the archive.
type ZipStream struct {
	pr *io.PipeReader
}

// NewZipStream starts archiving entries into a pipe. Reads on the returned
// stream drive the writer goroutine, so backpressure propagates to the
// backend downloads.
func NewZipStream(ctx context.Context, entries []ZipEntry) *ZipStream {
	sorted := make([]ZipEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	pr, pw := io.Pipe()
	go func() {
		zw := zip.NewWriter(pw)
		err := writeEntries(ctx, zw, sorted)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err) //nolint:errcheck // pipe close never errors
	}()

	return &ZipStream{pr: pr}
}

func writeEntries(ctx context.Context, zw *zip.Writer, entries []ZipEntry) error {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   entry.Name,
			Method: zip.Deflate,
		})
		if err != nil {
			return fmt.Errorf("zip: create entry %q: %w", entry.Name, err)
		}
		src, err := entry.Open(ctx)
		if err != nil {
			return fmt.Errorf("zip: open entry %q: %w", entry.Name, err)
		}
		_, err = io.Copy(w, src)
		if cerr := src.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("zip: write entry %q: %w", entry.Name, err)
		}
	}
	return nil
}

func (zs *ZipStream) Read(p []byte) (int, error) { return zs.pr.Read(p) }
func (zs *ZipStream) Size() int64                { return SizeUnknown }

// Close aborts the archive; the writer goroutine exits on its next write.
func (zs *ZipStream) Close() error { return zs.pr.Close() }
