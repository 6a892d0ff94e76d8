// Package wire implements length-prefixed string-array framing on a byte
// stream: a frame count, then for each frame a length and its bytes. The
// sentinel strings that delimit the metadata section
// inside a frame sequence are message content (see package message); this
// package only gets a []string on or off a byte stream.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameLen = 64 << 20 // 64 MiB

// WriteFrames writes frames to w as: uint32 count, then per-frame
// uint32 length + bytes. Safe for concurrent use only if w's Write is.
func WriteFrames(w io.Writer, frames []string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(frames))); err != nil {
		return fmt.Errorf("wire: write frame count: %w", err)
	}
	for _, f := range frames {
		if err := binary.Write(w, binary.BigEndian, uint32(len(f))); err != nil {
			return fmt.Errorf("wire: write frame length: %w", err)
		}
		if _, err := io.WriteString(w, f); err != nil {
			return fmt.Errorf("wire: write frame: %w", err)
		}
	}
	return nil
}

// ReadFrames reads a frame sequence previously written by WriteFrames.
func ReadFrames(r io.Reader) ([]string, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	frames := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("wire: read frame length: %w", err)
		}
		if n > maxFrameLen {
			return nil, fmt.Errorf("wire: frame length %d exceeds limit", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("wire: read frame: %w", err)
		}
		frames = append(frames, string(buf))
	}
	return frames, nil
}
