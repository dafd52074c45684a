// Package valueindex implements the updatable, on-disk value index (C4):
// the public lookup/add/delete/replace surface over a posting-list heap
// (package heap) and a two-array sorted directory (package directory).
package valueindex

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/nodexdb/valueindex/directory"
	"github.com/nodexdb/valueindex/heap"
	"github.com/nodexdb/valueindex/vidxlog"
)

// Kind selects which file-name prefix an index uses: text node content
// ("txt") or attribute values ("atv").
type Kind int

const (
	KindText Kind = iota
	KindAttribute
)

func (k Kind) prefix() string {
	if k == KindAttribute {
		return "atv"
	}
	return "txt"
}

// Options configure Open.
type Options struct {
	// Dir is the directory holding the three index files.
	Dir string

	// Kind selects the txt/atv file-name prefix.
	Kind Kind

	// Logger receives structured diagnostics (a debug line when a posting
	// list rewritten on delete falls back to an append).
	// A nil Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// CacheSize bounds the in-memory lookup cache; 0 disables it.
	CacheSize int
}

// Index is the public value index handle. Add, Delete, Replace and Close
// are mutually exclusive, serialized by writeMu across their entire disk
// I/O sequence. Lookup, Size and FragmentationRatio never take writeMu:
// they rely on the heap and directory files' own internal locking for safe
// concurrent access, and on the cache's and presence filter's own locks for
// the in-memory state they touch, so a reader never blocks behind a
// writer's I/O.
type Index struct {
	writeMu sync.Mutex

	heap *heap.File
	dir  *directory.Directory

	cache    *lookupCache
	presence *presenceFilter

	log *zap.Logger

	closed    atomic.Bool
	liveBytes atomic.Int64
}

// Open opens or creates the three index files under opts.Dir and rebuilds
// the bloom filter and live-byte total from the on-disk directory. The
// lookup cache starts empty.
func Open(opts Options) (*Index, error) {
	logger := vidxlog.Or(opts.Logger)

	prefix := opts.Kind.prefix()
	heapPath := filepath.Join(opts.Dir, prefix+".basex")
	offsetsPath := filepath.Join(opts.Dir, prefix+"r.basex")
	keysPath := filepath.Join(opts.Dir, prefix+"l.basex")

	h, err := heap.Open(heapPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	d, err := directory.Open(offsetsPath, keysPath)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	ix := &Index{
		heap:     h,
		dir:      d,
		cache:    newLookupCache(opts.CacheSize),
		presence: newPresenceFilter(uint(d.Size())),
		log:      logger,
	}

	if err := ix.warmFromDisk(); err != nil {
		_ = h.Close()
		_ = d.Close()
		return nil, err
	}

	return ix, nil
}

// warmFromDisk scans the directory once to populate the bloom filter and
// the running live-byte total used by FragmentationRatio. The cache itself
// is left cold; it warms lazily on first lookup.
func (ix *Index) warmFromDisk() error {
	size := ix.dir.Size()

	var live int64
	for i := 0; i < size; i++ {
		key, err := ix.dir.GetKey(i)
		if err != nil {
			return fmt.Errorf("%w: reading slot %d: %w", ErrCorruptInput, i, err)
		}
		ix.presence.add(key)

		off, err := ix.dir.GetOffset(i)
		if err != nil {
			return fmt.Errorf("%w: reading offset %d: %w", ErrCorruptInput, i, err)
		}

		ids, err := ix.heap.ReadList(off)
		if err != nil {
			return fmt.Errorf("%w: decoding posting list for slot %d: %w", ErrCorruptInput, i, err)
		}
		if len(ids) == 0 {
			return fmt.Errorf("%w: slot %d has an empty posting list", ErrCorruptInput, i)
		}

		live += int64(heap.EncodedLen(ids))
	}

	ix.liveBytes.Store(live)

	return nil
}

// Lookup returns the ascending ids associated with key, or nil if key is
// not present. It never returns an error for a plain miss.
func (ix *Index) Lookup(key []byte) ([]uint32, error) {
	if ix.closed.Load() {
		return nil, ErrIndexClosed
	}

	if e, ok := ix.cache.get(string(key)); ok {
		ids, err := ix.heap.ReadList(e.firstIDOffset)
		if err != nil {
			return nil, fmt.Errorf("%w: reading cached list for %q: %w", ErrCorruptInput, key, err)
		}
		return ids, nil
	}

	if !ix.presence.maybeContains(key) {
		return nil, nil
	}

	slot, found := ix.dir.Search(key)
	if !found {
		return nil, nil
	}

	off, err := ix.dir.GetOffset(slot)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	ids, err := ix.heap.ReadList(off)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	ix.cache.put(string(key), cacheEntry{
		count:          len(ids),
		firstIDOffset:  off,
		encodedListLen: heap.EncodedLen(ids),
	})

	return ids, nil
}

// Size returns the number of distinct keys currently in the index.
func (ix *Index) Size() int {
	return ix.dir.Size()
}

// FragmentationRatio reports the fraction of the heap file's bytes that
// belong to currently-live posting lists. The enclosing engine, not this
// package, decides when a low ratio warrants a rebuild.
func (ix *Index) FragmentationRatio() float64 {
	info, err := ix.heap.FileSize()
	if err != nil || info == 0 {
		return 1
	}

	return float64(ix.liveBytes.Load()) / float64(info)
}

// Close flushes both backing files and releases the cache. After Close,
// Lookup, Add, Delete, Replace and Close return ErrIndexClosed. Size and
// FragmentationRatio have no error result: Size keeps reporting the last
// slot count and FragmentationRatio reports 1.
func (ix *Index) Close() error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if ix.closed.Load() {
		return ErrIndexClosed
	}
	ix.closed.Store(true)

	if err := ix.heap.Sync(); err != nil {
		return err
	}
	if err := ix.dir.Sync(); err != nil {
		return err
	}
	if err := ix.heap.Close(); err != nil {
		return err
	}
	if err := ix.dir.Close(); err != nil {
		return err
	}

	return nil
}

// Add performs the bulk-insert algorithm: sort the input keys, partition
// into existing (append-ids) and new (insert) via a shrinking search
// window, then insert every new key largest-first.
func (ix *Index) Add(ctx context.Context, m map[string][]uint32) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if ix.closed.Load() {
		return ErrIndexClosed
	}

	keys := sortedMapKeys(m)

	var newKeys []string
	p := 0

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		slot, found := ix.dir.SearchFrom([]byte(k), p, ix.dir.Size())
		if found {
			if err := ix.appendIDs(slot, k, m[k]); err != nil {
				return err
			}
			p = slot + 1
			continue
		}

		newKeys = append(newKeys, k)
	}

	for i := len(newKeys) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		k := newKeys[i]
		slot, found := ix.dir.Search([]byte(k))
		if found {
			return fmt.Errorf("%w: key %q already has a slot during new-key insertion", ErrCorruptInput, k)
		}

		ids := sortedCopy(m[k])
		off, err := ix.heap.AppendList(ids)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		if err := ix.dir.InsertAt(slot, []byte(k), off); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		ix.presence.add([]byte(k))
		ix.liveBytes.Add(int64(heap.EncodedLen(ids)))
		// Newly inserted keys do not populate the cache; it warms lazily on
		// first Lookup.
	}

	if err := ix.heap.SetSize(uint32(ix.dir.Size())); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// appendIDs implements the "append-ids" half of bulk add: every id in
// nids is assumed larger than any id already stored for this key, so the
// new list is simply old ++ sorted(nids).
func (ix *Index) appendIDs(slot int, key string, nids []uint32) error {
	off, err := ix.dir.GetOffset(slot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	old, err := ix.heap.ReadList(off)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	combined := append(append([]uint32{}, old...), sortedCopy(nids)...)

	newOff, err := ix.heap.AppendList(combined)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := ix.dir.PutOffset(slot, newOff); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	ix.liveBytes.Add(int64(heap.EncodedLen(combined) - heap.EncodedLen(old)))

	ix.cache.put(key, cacheEntry{
		count:          len(combined),
		firstIDOffset:  newOff,
		encodedListLen: heap.EncodedLen(combined),
	})

	return nil
}

// Delete performs the bulk-delete algorithm: sort keys, delete-ids per
// key, then compact every slot that became empty in a single
// left-compaction pass.
func (ix *Index) Delete(ctx context.Context, m map[string][]uint32) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if ix.closed.Load() {
		return ErrIndexClosed
	}

	keys := sortedMapKeys(m)
	empty := bitset.New(uint(ix.dir.Size()))
	haveEmpty := false

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		slot, found := ix.dir.Search([]byte(k))
		if !found {
			return fmt.Errorf("%w: %q", ErrMissingKey, k)
		}

		emptied, _, err := ix.deleteIDs(slot, k, m[k])
		if err != nil {
			return err
		}
		if emptied {
			empty.Set(uint(slot))
			haveEmpty = true
		}
	}

	if haveEmpty {
		if err := ix.dir.RemoveAt(func(s int) bool { return empty.Test(uint(s)) }); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	if err := ix.heap.SetSize(uint32(ix.dir.Size())); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// deleteIDs implements the "delete-ids" half of bulk delete. It reports
// emptied == true when every id was removed (caller must then drop the
// slot) and changed == false when none of toRemove matched anything
// stored — the shared mechanism behind both bulk Delete and Replace's
// tolerant delete-half.
func (ix *Index) deleteIDs(slot int, key string, toRemove []uint32) (emptied, changed bool, err error) {
	off, err := ix.dir.GetOffset(slot)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrIO, err)
	}

	old, err := ix.heap.ReadList(off)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrIO, err)
	}

	survivors, changed := removeSorted(old, sortedCopy(toRemove))
	if !changed {
		return false, false, nil
	}

	if len(survivors) == 0 {
		ix.cache.remove(key)
		ix.liveBytes.Add(-int64(heap.EncodedLen(old)))
		return true, true, nil
	}

	oldEncLen := heap.EncodedLen(old)
	newOff := off

	ok, err := ix.heap.OverwriteList(off, oldEncLen, survivors)
	if err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if !ok {
		ix.log.Debug("posting list grew on delete, falling back to append",
			zap.String("key", key), zap.Int("old_len", oldEncLen), zap.Int("new_len", heap.EncodedLen(survivors)))

		newOff, err = ix.heap.AppendList(survivors)
		if err != nil {
			return false, false, fmt.Errorf("%w: %w", ErrIO, err)
		}
		if err := ix.dir.PutOffset(slot, newOff); err != nil {
			return false, false, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	ix.liveBytes.Add(int64(heap.EncodedLen(survivors) - oldEncLen))

	ix.cache.put(key, cacheEntry{
		count:          len(survivors),
		firstIDOffset:  newOff,
		encodedListLen: heap.EncodedLen(survivors),
	})

	return false, true, nil
}

// Replace moves id from oldKey to newKey. If oldKey exists but does not
// contain id, the delete half is silently skipped (a deliberate, documented
// laxity) and the insertion into newKey still proceeds.
func (ix *Index) Replace(oldKey, newKey []byte, id uint32) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if ix.closed.Load() {
		return ErrIndexClosed
	}

	if slot, found := ix.dir.Search(oldKey); found {
		emptied, _, err := ix.deleteIDs(slot, string(oldKey), []uint32{id})
		if err != nil {
			return err
		}
		if emptied {
			if err := ix.dir.RemoveAt(func(s int) bool { return s == slot }); err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
			if err := ix.heap.SetSize(uint32(ix.dir.Size())); err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
		}
	}

	if slot, found := ix.dir.Search(newKey); found {
		return ix.insertIDIntoExisting(slot, string(newKey), id)
	}

	slot, _ := ix.dir.Search(newKey)

	off, err := ix.heap.AppendList([]uint32{id})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := ix.dir.InsertAt(slot, newKey, off); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	ix.presence.add(newKey)
	ix.liveBytes.Add(int64(heap.EncodedLen([]uint32{id})))

	if err := ix.heap.SetSize(uint32(ix.dir.Size())); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// insertIDIntoExisting splices id into newKey's existing posting list,
// preserving ascending order, and rewrites the directory pointer.
func (ix *Index) insertIDIntoExisting(slot int, key string, id uint32) error {
	off, err := ix.dir.GetOffset(slot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	old, err := ix.heap.ReadList(off)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	merged, changed := insertSorted(old, id)
	if !changed {
		return nil
	}

	newOff, err := ix.heap.AppendList(merged)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if err := ix.dir.PutOffset(slot, newOff); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	ix.liveBytes.Add(int64(heap.EncodedLen(merged) - heap.EncodedLen(old)))

	ix.cache.put(key, cacheEntry{
		count:          len(merged),
		firstIDOffset:  newOff,
		encodedListLen: heap.EncodedLen(merged),
	})

	return nil
}

func sortedMapKeys(m map[string][]uint32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare([]byte(keys[i]), []byte(keys[j])) < 0 })
	return keys
}
