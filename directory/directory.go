// Package directory implements the value index's two parallel sorted
// arrays: idxr, a packed array of 40-bit heap offsets, and ctext, a
// length-prefixed key-slot store. Slot i of both files describes the
// same key.
package directory

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/nodexdb/valueindex/varint"
)

const offsetWidth = 5 // 40-bit offsets, little-endian

// Directory owns the offsets (idxr) and key-slot (ctext) files for one
// index instance.
type Directory struct {
	mu      sync.Mutex
	offsets *os.File
	keys    *os.File

	// keyOffsets[i] is the byte offset in the keys file where slot i's
	// length-prefixed key begins; keyOffsets[size] is the current end of
	// the keys file. Kept in memory because ctext has no fixed stride, so
	// finding slot i's key otherwise means rescanning from slot 0.
	keyOffsets []int64
	size       int
}

// Open opens (creating if necessary) the offsets and keys files at the
// given paths and rebuilds the in-memory key-offset table by scanning the
// keys file once.
func Open(offsetsPath, keysPath string) (*Directory, error) {
	offsets, err := os.OpenFile(offsetsPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("directory: opening %s: %w", offsetsPath, err)
	}

	keys, err := os.OpenFile(keysPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = offsets.Close()
		return nil, fmt.Errorf("directory: opening %s: %w", keysPath, err)
	}

	d := &Directory{offsets: offsets, keys: keys}
	if err := d.rebuildKeyOffsets(); err != nil {
		_ = offsets.Close()
		_ = keys.Close()
		return nil, err
	}

	return d, nil
}

func (d *Directory) rebuildKeyOffsets() error {
	info, err := d.keys.Stat()
	if err != nil {
		return fmt.Errorf("directory: stat keys file: %w", err)
	}

	buf := make([]byte, info.Size())
	if _, err := d.keys.ReadAt(buf, 0); err != nil && info.Size() > 0 {
		return fmt.Errorf("directory: reading keys file: %w", err)
	}

	var pos int64
	offsets := []int64{0}

	for int(pos) < len(buf) {
		n, next, err := varint.DecodeAt(buf, int(pos))
		if err != nil {
			return fmt.Errorf("directory: corrupt key slot at %d: %w", pos, err)
		}

		pos = int64(next) + int64(n)
		offsets = append(offsets, pos)
	}

	d.keyOffsets = offsets
	d.size = len(offsets) - 1

	return nil
}

// Size returns the current number of directory slots.
func (d *Directory) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.size
}

// GetKey returns the key stored at slot i.
func (d *Directory) GetKey(i int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.getKeyLocked(i)
}

func (d *Directory) getKeyLocked(i int) ([]byte, error) {
	if i < 0 || i >= d.size {
		return nil, fmt.Errorf("directory: slot %d out of range [0,%d)", i, d.size)
	}

	start := d.keyOffsets[i]
	end := d.keyOffsets[i+1]

	buf := make([]byte, end-start)
	if _, err := d.keys.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("directory: reading key at slot %d: %w", i, err)
	}

	_, dataStart, err := varint.DecodeAt(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("directory: decoding key length at slot %d: %w", i, err)
	}

	return buf[dataStart:], nil
}

// GetOffset returns the heap offset stored at slot i.
func (d *Directory) GetOffset(i int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.getOffsetLocked(i)
}

func (d *Directory) getOffsetLocked(i int) (int64, error) {
	if i < 0 || i >= d.size {
		return 0, fmt.Errorf("directory: slot %d out of range [0,%d)", i, d.size)
	}

	var buf [offsetWidth]byte
	if _, err := d.offsets.ReadAt(buf[:], int64(i)*offsetWidth); err != nil {
		return 0, fmt.Errorf("directory: reading offset at slot %d: %w", i, err)
	}

	return decodeOffset(buf), nil
}

// PutOffset overwrites the heap offset stored at slot i without touching
// the key.
func (d *Directory) PutOffset(i int, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.putOffsetLocked(i, off)
}

func (d *Directory) putOffsetLocked(i int, off int64) error {
	if i < 0 || i >= d.size {
		return fmt.Errorf("directory: slot %d out of range [0,%d)", i, d.size)
	}

	buf := encodeOffset(off)
	if _, err := d.offsets.WriteAt(buf[:], int64(i)*offsetWidth); err != nil {
		return fmt.Errorf("directory: writing offset at slot %d: %w", i, err)
	}

	return nil
}

// Search performs an unsigned byte-lexicographic binary search for key
// across slots [0,size). It returns (slot, true) on an exact match, or
// (insertionPoint, false) where insertionPoint is where key would be
// inserted to keep the array sorted.
func (d *Directory) Search(key []byte) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.searchLocked(key, 0, d.size)
}

// SearchFrom is Search restricted to slots [lo, hi), used by bulk add to
// shrink the search window during a bulk add.
func (d *Directory) SearchFrom(key []byte, lo, hi int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.searchLocked(key, lo, hi)
}

func (d *Directory) searchLocked(key []byte, lo, hi int) (int, bool) {
	for lo < hi {
		mid := lo + (hi-lo)/2

		k, err := d.getKeyLocked(mid)
		if err != nil {
			// Treated as "not found here"; callers of Search never expect
			// an error channel, and a read failure at this layer means the
			// index is corrupt, which higher layers detect independently.
			return lo, false
		}

		switch bytes.Compare(key, k) {
		case 0:
			return mid, true
		case -1:
			hi = mid
		default:
			lo = mid + 1
		}
	}

	return lo, false
}

// InsertAt shifts slots [i,size) right by one and writes (key, off) into
// the newly opened slot i.
func (d *Directory) InsertAt(i int, key []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i < 0 || i > d.size {
		return fmt.Errorf("directory: insertion point %d out of range [0,%d]", i, d.size)
	}

	// Shift offsets right by one, from the tail down, so no slot is
	// overwritten before it's read. WriteAt past the current EOF simply
	// extends the file, so there is nothing to preallocate first.
	for s := d.size - 1; s >= i; s-- {
		off, err := d.getOffsetLocked(s)
		if err != nil {
			return err
		}
		if err := d.writeOffsetAt(s+1, off); err != nil {
			return err
		}
	}

	// Rebuild the keys file tail from i onward with the new key spliced in;
	// ctext has no fixed stride so a shift-in-place is a rewrite of the
	// suffix, not a byte-range move.
	tailKeys := make([][]byte, 0, d.size-i+1)
	tailKeys = append(tailKeys, key)
	for s := i; s < d.size; s++ {
		k, err := d.getKeyLocked(s)
		if err != nil {
			return err
		}
		tailKeys = append(tailKeys, k)
	}

	if err := d.rewriteKeysFrom(i, tailKeys); err != nil {
		return err
	}

	d.size++

	if err := d.writeOffsetAt(i, off); err != nil {
		return err
	}

	return nil
}

func (d *Directory) writeOffsetAt(i int, off int64) error {
	buf := encodeOffset(off)
	if _, err := d.offsets.WriteAt(buf[:], int64(i)*offsetWidth); err != nil {
		return fmt.Errorf("directory: writing offset at slot %d: %w", i, err)
	}
	return nil
}

// rewriteKeysFrom truncates the keys file at slot `from`'s current byte
// offset and re-appends the given keys (length-prefixed) in order,
// refreshing keyOffsets for slots [from, from+len(keys)).
func (d *Directory) rewriteKeysFrom(from int, keys [][]byte) error {
	start := d.keyOffsets[from]

	if err := d.keys.Truncate(start); err != nil {
		return fmt.Errorf("directory: truncating keys file: %w", err)
	}

	pos := start
	newOffsets := d.keyOffsets[:from+1]

	for _, k := range keys {
		encoded := append(varint.Encode(uint32(len(k))), k...)
		if _, err := d.keys.WriteAt(encoded, pos); err != nil {
			return fmt.Errorf("directory: writing key: %w", err)
		}
		pos += int64(len(encoded))
		newOffsets = append(newOffsets, pos)
	}

	d.keyOffsets = newOffsets

	return nil
}

// RemoveAt compacts the directory, dropping every slot whose index is
// marked in remove (a predicate tested in ascending slot order; the
// caller's "empty" set is already ascending because bulk delete sorts
// its input keys). Slots are shifted left to close the gaps.
func (d *Directory) RemoveAt(remove func(slot int) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size == 0 {
		return nil
	}

	type survivor struct {
		key []byte
		off int64
	}

	survivors := make([]survivor, 0, d.size)

	for s := 0; s < d.size; s++ {
		if remove(s) {
			continue
		}

		k, err := d.getKeyLocked(s)
		if err != nil {
			return err
		}

		off, err := d.getOffsetLocked(s)
		if err != nil {
			return err
		}

		survivors = append(survivors, survivor{key: k, off: off})
	}

	d.size = len(survivors)
	d.keyOffsets = d.keyOffsets[:1]

	keys := make([][]byte, len(survivors))
	for i, sv := range survivors {
		keys[i] = sv.key
	}

	if err := d.rewriteKeysFrom(0, keys); err != nil {
		return err
	}

	for i, sv := range survivors {
		if err := d.writeOffsetAt(i, sv.off); err != nil {
			return err
		}
	}

	if err := d.offsets.Truncate(int64(d.size) * offsetWidth); err != nil {
		return fmt.Errorf("directory: truncating offsets file: %w", err)
	}

	return nil
}

func encodeOffset(off int64) [offsetWidth]byte {
	var buf [offsetWidth]byte
	for i := 0; i < offsetWidth; i++ {
		buf[i] = byte(off >> (8 * i))
	}
	return buf
}

func decodeOffset(buf [offsetWidth]byte) int64 {
	var v int64
	for i := offsetWidth - 1; i >= 0; i-- {
		v = v<<8 | int64(buf[i])
	}
	return v
}

// Sync flushes both backing files.
func (d *Directory) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.offsets.Sync(); err != nil {
		return fmt.Errorf("directory: sync offsets: %w", err)
	}
	if err := d.keys.Sync(); err != nil {
		return fmt.Errorf("directory: sync keys: %w", err)
	}

	return nil
}

// Close closes both backing files.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err1 := d.offsets.Close()
	err2 := d.keys.Close()

	if err1 != nil {
		return fmt.Errorf("directory: close offsets: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("directory: close keys: %w", err2)
	}

	return nil
}
