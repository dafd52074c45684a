// Package heap implements the value index's append-only posting-list data
// file (the "idxl" / ".basex" heap). It is an
// append-only byte store: posting lists are written once, read by offset,
// and only ever overwritten in place when the re-encoded list is no longer
// than the one it replaces.
package heap

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/nodexdb/valueindex/varint"
)

const headerSize = 4

// File is the on-disk heap (C2). Byte 0-3 hold the big-endian slot count
// ("size"); the remainder is a sequence of length-prefixed, delta-encoded
// posting lists.
type File struct {
	mu sync.Mutex
	f  *os.File
}

// Open opens an existing heap file, or creates one with a zero header if it
// does not yet exist.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("heap: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("heap: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		if _, err := f.WriteAt(make([]byte, headerSize), 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("heap: initializing header of %s: %w", path, err)
		}
	}

	return &File{f: f}, nil
}

// Size returns the slot count stored in the header.
func (h *File) Size() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [headerSize]byte
	if _, err := h.f.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("heap: reading header: %w", err)
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

// SetSize persists the slot count to the header.
func (h *File) SetSize(n uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf [headerSize]byte
	binary.BigEndian.PutUint32(buf[:], n)

	if _, err := h.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("heap: writing header: %w", err)
	}

	return nil
}

// ReadList decodes the full posting list whose length prefix starts at
// offset, returning the absolutized ascending ids.
func (h *File) ReadList(offset int64) ([]uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A posting list is at most len(1..5) + count*len(5) bytes; ids are
	// rarely more than a few hundred per key, so read a generous chunk and
	// grow once if it wasn't enough rather than stat+read exactly.
	const initialChunk = 4096

	buf, err := h.readChunk(offset, initialChunk)
	if err != nil {
		return nil, err
	}

	ids, _, err := varint.DecodeDeltas(buf, 0)
	if err == nil {
		return ids, nil
	}

	// The list didn't fit in the first chunk; read the whole tail of the
	// file and retry once.
	tail, err2 := h.readChunk(offset, 0)
	if err2 != nil {
		return nil, fmt.Errorf("heap: reading list at %d: %w", offset, err)
	}

	ids, _, err = varint.DecodeDeltas(tail, 0)
	if err != nil {
		return nil, fmt.Errorf("heap: decoding list at %d: %w", offset, err)
	}

	return ids, nil
}

// readChunk reads n bytes starting at offset, or the whole remaining file if
// n == 0. Short reads at EOF are truncated to what was actually read.
func (h *File) readChunk(offset int64, n int) ([]byte, error) {
	if n == 0 {
		info, err := h.f.Stat()
		if err != nil {
			return nil, fmt.Errorf("heap: stat: %w", err)
		}
		n = int(info.Size() - offset)
		if n <= 0 {
			return nil, fmt.Errorf("heap: offset %d beyond file size", offset)
		}
	}

	buf := make([]byte, n)
	read, err := h.f.ReadAt(buf, offset)
	if err != nil && read == 0 {
		return nil, fmt.Errorf("heap: read at %d: %w", offset, err)
	}

	return buf[:read], nil
}

// AppendList delta-encodes ids and appends len,deltas... to the end of the
// file, returning the offset of the length prefix.
func (h *File) AppendList(ids []uint32) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("heap: stat: %w", err)
	}

	offset := info.Size()
	encoded := varint.EncodeDeltas(ids)

	if _, err := h.f.WriteAt(encoded, offset); err != nil {
		return 0, fmt.Errorf("heap: appending list: %w", err)
	}

	return offset, nil
}

// OverwriteList re-encodes ids and writes them at offset only if the new
// encoding is no longer than the oldEncodedLen bytes already there. It reports
// ok == false (and writes nothing) when the new encoding is longer, in which
// case the caller must fall back to AppendList and repoint its directory
// entry (a re-encoded list is not always shorter than the one it replaces).
func (h *File) OverwriteList(offset int64, oldEncodedLen int, ids []uint32) (ok bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	encoded := varint.EncodeDeltas(ids)
	if len(encoded) > oldEncodedLen {
		return false, nil
	}

	if _, err := h.f.WriteAt(encoded, offset); err != nil {
		return false, fmt.Errorf("heap: overwriting list at %d: %w", offset, err)
	}

	return true, nil
}

// EncodedLen returns len(varint.EncodeDeltas(ids)) without mutating the
// file; callers use it to learn the byte footprint of a posting list before
// deciding whether OverwriteList can succeed in place.
func EncodedLen(ids []uint32) int {
	return len(varint.EncodeDeltas(ids))
}

// FileSize returns the current byte length of the heap file on disk, used
// by callers computing a fragmentation ratio against the header-tracked
// slot count.
func (h *File) FileSize() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("heap: stat: %w", err)
	}

	return info.Size(), nil
}

// Sync flushes the heap file to stable storage.
func (h *File) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("heap: sync: %w", err)
	}

	return nil
}

// Close closes the underlying file.
func (h *File) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.f.Close(); err != nil {
		return fmt.Errorf("heap: close: %w", err)
	}

	return nil
}
