package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	readChunkSize = 4096

	// MaxFrameSize bounds a single buffered line. A frame larger than this
	// means the stream is not NDJSON at all.
	MaxFrameSize = 4 << 20
)

// ErrFrameTooLarge is returned when a line exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("stream frame exceeds maximum size")

// FrameReader splits a byte stream into newline-delimited JSON frames,
// whatever the chunking of the underlying reader. It is pull-based: each
// call to Next reads only as much as needed to produce the next frame.
// Lines that are blank or fail to decode are skipped. A FrameReader is
// finite once the source reports io.EOF and cannot be restarted.
//
//	fr := NewFrameReader(body, logger)
//	for fr.Next() {
//		f := fr.Frame()
//		...
//	}
//	if err := fr.Err(); err != nil { ... }
type FrameReader struct {
	src    io.Reader
	logger *slog.Logger

	buf   []byte // bytes received but not yet consumed
	chunk []byte
	eof   bool
	err   error

	frame   Frame
	skipped int
}

// NewFrameReader returns a FrameReader reading from src.
func NewFrameReader(src io.Reader, logger *slog.Logger) *FrameReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameReader{
		src:    src,
		logger: logger,
		chunk:  make([]byte, readChunkSize),
	}
}

// Next advances to the next decodable frame. It returns false when the
// stream is exhausted or a read error occurred; check Err to tell which.
func (r *FrameReader) Next() bool {
	for {
		if r.err != nil {
			return false
		}

		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := r.take(i + 1)
			if r.decode(line) {
				return true
			}
			continue
		}

		if r.eof {
			if len(bytes.TrimSpace(r.buf)) == 0 {
				r.buf = r.buf[:0]
				return false
			}
			// Final frame without a trailing newline.
			line := r.take(len(r.buf))
			if r.decode(line) {
				return true
			}
			return false
		}

		if len(r.buf) > MaxFrameSize {
			r.err = fmt.Errorf("%w (%d bytes buffered)", ErrFrameTooLarge, len(r.buf))
			return false
		}

		n, err := r.src.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:n]...)
		switch {
		case errors.Is(err, io.EOF):
			r.eof = true
		case err != nil:
			r.err = fmt.Errorf("read stream: %w", err)
		}
	}
}

// take removes and returns the first n bytes of the buffer.
func (r *FrameReader) take(n int) []byte {
	line := make([]byte, n)
	copy(line, r.buf[:n])
	rest := copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
	return line
}

func (r *FrameReader) decode(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		r.skipped++
		r.logger.Debug("skipping malformed stream frame", "error", err, "bytes", len(line))
		return false
	}
	r.frame = f
	return true
}

// Frame returns the frame produced by the last successful call to Next.
func (r *FrameReader) Frame() Frame {
	return r.frame
}

// Err returns the first non-EOF read error.
func (r *FrameReader) Err() error {
	return r.err
}

// Skipped reports how many malformed lines have been dropped so far.
func (r *FrameReader) Skipped() int {
	return r.skipped
}
