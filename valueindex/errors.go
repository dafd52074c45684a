package valueindex

import "errors"

// Sentinel errors returned by Index operations. Callers should classify
// with errors.Is; IoError conditions are wrapped with additional context
// via %w and should also be unwrapped with errors.As where a concrete
// *os.PathError is useful.
var (
	// ErrIndexClosed is returned by Lookup, Add, Delete, Replace and Close
	// once Close has run. Size and FragmentationRatio have no error result
	// and do not report it.
	ErrIndexClosed = errors.New("valueindex: index closed")

	// ErrCorruptInput indicates an invariant violation was detected
	// mid-operation (e.g. Add found a key slot that should not already
	// exist). It is always fatal to the current batch; the index should be
	// rebuilt, not repaired in place.
	ErrCorruptInput = errors.New("valueindex: corrupt input")

	// ErrMissingKey is returned by Delete when asked to remove ids of a key
	// that has no slot in the index.
	//
	// A missing id within a key that does exist is a different case and has
	// no sentinel: deleteIDs (used by both Delete and Replace's delete half)
	// silently drops any id that isn't in the posting list and reports
	// whether anything actually changed. See Replace's doc comment for why.
	ErrMissingKey = errors.New("valueindex: missing key")

	// ErrIO wraps an underlying file-system failure.
	ErrIO = errors.New("valueindex: io error")
)
