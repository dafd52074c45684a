package directory

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Directory {
	t.Helper()

	dir := t.TempDir()
	d, err := Open(filepath.Join(dir, "r.basex"), filepath.Join(dir, "l.basex"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	return d
}

func insert(t *testing.T, d *Directory, key string, off int64) {
	t.Helper()

	slot, found := d.Search([]byte(key))
	if found {
		t.Fatalf("key %q unexpectedly already present", key)
	}
	if err := d.InsertAt(slot, []byte(key), off); err != nil {
		t.Fatalf("InsertAt(%q): %v", key, err)
	}
}

func TestInsertKeepsSortedOrder(t *testing.T) {
	d := openTemp(t)

	insert(t, d, "banana", 10)
	insert(t, d, "apple", 20)
	insert(t, d, "cherry", 30)

	if d.Size() != 3 {
		t.Fatalf("expected size 3, got %d", d.Size())
	}

	want := []string{"apple", "banana", "cherry"}
	for i, w := range want {
		k, err := d.GetKey(i)
		if err != nil {
			t.Fatalf("GetKey(%d): %v", i, err)
		}
		if string(k) != w {
			t.Fatalf("slot %d: expected %q, got %q", i, w, k)
		}
	}
}

func TestSearchFindsExactSlot(t *testing.T) {
	d := openTemp(t)

	insert(t, d, "apple", 1)
	insert(t, d, "banana", 2)
	insert(t, d, "cherry", 3)

	slot, found := d.Search([]byte("banana"))
	if !found {
		t.Fatal("expected banana to be found")
	}
	if slot != 1 {
		t.Fatalf("expected slot 1, got %d", slot)
	}

	off, err := d.GetOffset(slot)
	if err != nil {
		t.Fatalf("GetOffset: %v", err)
	}
	if off != 2 {
		t.Fatalf("expected offset 2, got %d", off)
	}

	_, found = d.Search([]byte("durian"))
	if found {
		t.Fatal("expected durian not to be found")
	}
}

func TestSearchFromRestrictsWindow(t *testing.T) {
	d := openTemp(t)

	insert(t, d, "a", 1)
	insert(t, d, "b", 2)
	insert(t, d, "c", 3)
	insert(t, d, "d", 4)

	// Restricting the window past "b"'s slot should miss it even though a
	// full search would find it.
	_, found := d.SearchFrom([]byte("b"), 2, d.Size())
	if found {
		t.Fatal("expected SearchFrom to miss a key before the window")
	}

	slot, found := d.SearchFrom([]byte("c"), 2, d.Size())
	if !found || slot != 2 {
		t.Fatalf("expected to find c at slot 2, got (%d, %v)", slot, found)
	}
}

func TestPutOffsetUpdatesWithoutMovingKey(t *testing.T) {
	d := openTemp(t)

	insert(t, d, "apple", 1)
	insert(t, d, "banana", 2)

	if err := d.PutOffset(0, 99); err != nil {
		t.Fatalf("PutOffset: %v", err)
	}

	off, err := d.GetOffset(0)
	if err != nil {
		t.Fatalf("GetOffset: %v", err)
	}
	if off != 99 {
		t.Fatalf("expected 99, got %d", off)
	}

	k, err := d.GetKey(0)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if string(k) != "apple" {
		t.Fatalf("expected apple, got %q", k)
	}
}

func TestRemoveAtCompactsSurvivors(t *testing.T) {
	d := openTemp(t)

	insert(t, d, "a", 1)
	insert(t, d, "b", 2)
	insert(t, d, "c", 3)
	insert(t, d, "d", 4)

	// Remove "b" and "d" (slots 1 and 3).
	if err := d.RemoveAt(func(s int) bool { return s == 1 || s == 3 }); err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}

	if d.Size() != 2 {
		t.Fatalf("expected size 2, got %d", d.Size())
	}

	k0, _ := d.GetKey(0)
	k1, _ := d.GetKey(1)
	if string(k0) != "a" || string(k1) != "c" {
		t.Fatalf("expected [a c], got [%s %s]", k0, k1)
	}

	off1, err := d.GetOffset(1)
	if err != nil {
		t.Fatalf("GetOffset: %v", err)
	}
	if off1 != 3 {
		t.Fatalf("expected offset 3 for surviving c, got %d", off1)
	}
}

func TestAddThenDeleteSameKeysRestoresEmptyDirectory(t *testing.T) {
	d := openTemp(t)

	insert(t, d, "a", 1)
	insert(t, d, "b", 2)
	insert(t, d, "c", 3)

	if err := d.RemoveAt(func(s int) bool { return true }); err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}

	if d.Size() != 0 {
		t.Fatalf("expected size 0, got %d", d.Size())
	}

	// Re-inserting from scratch must reproduce the same slot layout.
	insert(t, d, "x", 9)
	slot, found := d.Search([]byte("x"))
	if !found || slot != 0 {
		t.Fatalf("expected x at slot 0, got (%d, %v)", slot, found)
	}
}

func TestReopenRebuildsKeyOffsets(t *testing.T) {
	dir := t.TempDir()
	offPath := filepath.Join(dir, "r.basex")
	keyPath := filepath.Join(dir, "l.basex")

	d, err := Open(offPath, keyPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	insert(t, d, "alpha", 11)
	insert(t, d, "beta", 22)
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := Open(offPath, keyPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()

	if d2.Size() != 2 {
		t.Fatalf("expected size 2, got %d", d2.Size())
	}

	slot, found := d2.Search([]byte("beta"))
	if !found {
		t.Fatal("expected beta to be found after reopen")
	}
	off, err := d2.GetOffset(slot)
	if err != nil {
		t.Fatalf("GetOffset: %v", err)
	}
	if off != 22 {
		t.Fatalf("expected 22, got %d", off)
	}
}

func TestSearchUsesUnsignedByteOrder(t *testing.T) {
	d := openTemp(t)

	// A byte >= 0x80 must sort after any ASCII key under unsigned
	// comparison, not before it as signed comparison would treat it.
	insert(t, d, "zzz", 1)
	insert(t, d, string([]byte{0xff}), 2)

	k1, _ := d.GetKey(1)
	if !bytes.Equal(k1, []byte{0xff}) {
		t.Fatalf("expected the 0xff key to sort last, got slot 1 = %v", k1)
	}
}
