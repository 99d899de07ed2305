// Package journal implements the append-only recovery log. Every
// admitted command is written before state mutation and every sequenced
// event after, so replaying the command frames from an empty state
// reproduces the engine exactly.
//
// Frame layout, little-endian:
//
//	[seq : u64][len : u32][payload : len bytes][crc32 : u32]
//
// The checksum is CRC-32 (IEEE) over seq, len, and payload. A torn
// final frame (crash mid-append) is tolerated on read; a checksum
// mismatch on a complete frame is corruption and fatal.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"time"
)

// ErrCorrupt marks a complete frame whose checksum does not match.
var ErrCorrupt = errors.New("journal: corrupt frame")

// maxPayload bounds a frame's declared length so a corrupt header
// cannot trigger a giant allocation.
const maxPayload = 1 << 20

// Appender is the engine-facing write side of the journal.
type Appender interface {
	Append(seq uint64, payload []byte) error
}

// Discard drops every frame. Used by tests and journal-less replays.
type Discard struct{}

// Append implements Appender.
func (Discard) Append(uint64, []byte) error { return nil }

// Writer appends frames to a single file, flushing after every frame
// so the file is truthful up to the last completed append.
type Writer struct {
	path string
	f    *os.File
	buf  *bufio.Writer
}

// OpenWriter opens (or creates) the journal file for appending.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Writer{path: path, f: f, buf: bufio.NewWriter(f)}, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string { return w.path }

// Append writes one frame and flushes it.
func (w *Writer) Append(seq uint64, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("journal: payload %d exceeds frame limit", len(payload))
	}
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], seq)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	crc := crc32.ChecksumIEEE(hdr[:])
	crc = crc32.Update(crc, crc32.IEEETable, payload)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], crc)

	if _, err := w.buf.Write(hdr[:]); err != nil {
		return fmt.Errorf("journal: append seq %d: %w", seq, err)
	}
	if _, err := w.buf.Write(payload); err != nil {
		return fmt.Errorf("journal: append seq %d: %w", seq, err)
	}
	if _, err := w.buf.Write(tail[:]); err != nil {
		return fmt.Errorf("journal: append seq %d: %w", seq, err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("journal: flush seq %d: %w", seq, err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("journal: close: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("journal: close: %w", err)
	}
	return nil
}

// Archive renames the journal aside with a UTC timestamp suffix, the
// clean-shutdown rotation. A missing file is not an error.
func Archive(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	archived := fmt.Sprintf("%s.%s", path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, archived); err != nil {
		return "", fmt.Errorf("journal: archive: %w", err)
	}
	return archived, nil
}

// Record is one parsed frame.
type Record struct {
	Seq     uint64
	Payload []byte
}

// ReadAll parses every complete frame in the file. A missing file
// yields no records. A torn final frame is dropped silently; any
// complete frame failing its checksum returns ErrCorrupt.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var recs []Record
	for {
		var hdr [12]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return recs, nil
			}
			return nil, fmt.Errorf("journal: read %s: %w", path, err)
		}
		seq := binary.LittleEndian.Uint64(hdr[0:8])
		size := binary.LittleEndian.Uint32(hdr[8:12])
		if size > maxPayload {
			return nil, fmt.Errorf("%w: frame %d declares %d bytes", ErrCorrupt, seq, size)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return recs, nil
			}
			return nil, fmt.Errorf("journal: read %s: %w", path, err)
		}
		var tail [4]byte
		if _, err := io.ReadFull(r, tail[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return recs, nil
			}
			return nil, fmt.Errorf("journal: read %s: %w", path, err)
		}

		crc := crc32.ChecksumIEEE(hdr[:])
		crc = crc32.Update(crc, crc32.IEEETable, payload)
		if crc != binary.LittleEndian.Uint32(tail[:]) {
			return nil, fmt.Errorf("%w: frame %d", ErrCorrupt, seq)
		}
		recs = append(recs, Record{Seq: seq, Payload: payload})
	}
}
