package valueindex

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// presenceFilter is a fast, approximate "definitely not present" check in
// front of a binary search over the directory. A positive from the filter
// is never trusted on its own - only a negative shortcuts the caller.
//
// add is only ever called from the mutator path, but maybeContains is
// called from Lookup, which does not take Index's write lock. mu keeps the
// two from racing on the underlying bitset.
type presenceFilter struct {
	mu sync.RWMutex
	f  *bloom.BloomFilter
}

func newPresenceFilter(expectedKeys uint) *presenceFilter {
	if expectedKeys == 0 {
		expectedKeys = 1024
	}
	return &presenceFilter{f: bloom.NewWithEstimates(expectedKeys, 0.01)}
}

func (p *presenceFilter) add(key []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.f.Add(key)
}

// maybeContains reports false only when key is definitely absent from the
// directory; true means "check the directory", not "present".
func (p *presenceFilter) maybeContains(key []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.f.Test(key)
}
