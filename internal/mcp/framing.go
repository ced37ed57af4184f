// Package mcp implements newline-delimited JSON framing for MCP over stdio.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultChunkSize is the read size used by ReadFrames.
const DefaultChunkSize = 32 * 1024

// FrameReader splits a byte stream into newline-delimited frames. It is
// tolerant of arbitrary chunking: a frame may arrive split across any number
// of reads, and one read may carry many frames.
type FrameReader struct {
	buf       []byte
	chunkSize int
}

// NewFrameReader creates a frame reader.
func NewFrameReader() *FrameReader {
	return &FrameReader{chunkSize: DefaultChunkSize}
}

// Feed appends chunk to the internal buffer and returns every complete frame
// now available, trimmed, in stream order. Blank lines are skipped. Bytes
// after the last delimiter stay buffered for the next call.
func (fr *FrameReader) Feed(chunk []byte) [][]byte {
	fr.buf = append(fr.buf, chunk...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(fr.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(fr.buf[:idx])
		fr.buf = fr.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		// Copy out: the buffer's backing array is reused by later appends.
		frames = append(frames, append([]byte(nil), line...))
	}

	// Reclaim the consumed prefix once nothing is pending.
	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return frames
}

// Pending returns the number of buffered bytes not yet terminated by a delimiter.
func (fr *FrameReader) Pending() int {
	return len(fr.buf)
}

// ReadFrames reads r until EOF, calling fn for each frame. It returns nil on
// EOF; any unterminated trailing bytes are discarded and their count returned
// through discarded. A read error other than EOF is returned wrapped.
func (fr *FrameReader) ReadFrames(ctx context.Context, r io.Reader, fn func([]byte)) (discarded int, err error) {
	chunk := make([]byte, fr.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			for _, frame := range fr.Feed(chunk[:n]) {
				fn(frame)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				discarded = fr.Pending()
				fr.buf = nil
				return discarded, nil
			}
			return 0, fmt.Errorf("read frame: %w", readErr)
		}
	}
}

// FrameWriter writes JSON values as newline-delimited frames. It is safe for
// concurrent use; frames from different goroutines never interleave.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewFrameWriter creates a frame writer on w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame marshals v and writes it followed by a newline in one write.
func (fw *FrameWriter) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
