package valueindex

import "sort"

// sortedCopy returns an ascending copy of ids without mutating the input.
func sortedCopy(ids []uint32) []uint32 {
	out := make([]uint32, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// removeSorted walks old (ascending) and remove (ascending) in lockstep,
// dropping every id present in remove. It reports changed == false when no
// id in remove was actually present, letting callers implement the
// documented "missing id is tolerated" quirk without a separate
// existence check.
func removeSorted(old, remove []uint32) (survivors []uint32, changed bool) {
	survivors = make([]uint32, 0, len(old))

	i, j := 0, 0
	for i < len(old) {
		if j < len(remove) && old[i] == remove[j] {
			i++
			j++
			changed = true
			continue
		}
		if j < len(remove) && old[i] > remove[j] {
			j++
			continue
		}
		survivors = append(survivors, old[i])
		i++
	}

	return survivors, changed
}

// insertSorted inserts id into an ascending slice old, preserving order. It
// is a no-op (changed == false) if id is already present, since posting
// lists never contain duplicates.
func insertSorted(old []uint32, id uint32) (result []uint32, changed bool) {
	i := sort.Search(len(old), func(i int) bool { return old[i] >= id })
	if i < len(old) && old[i] == id {
		return old, false
	}

	result = make([]uint32, 0, len(old)+1)
	result = append(result, old[:i]...)
	result = append(result, id)
	result = append(result, old[i:]...)

	return result, true
}
