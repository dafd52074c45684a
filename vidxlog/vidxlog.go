// Package vidxlog provides the structured logger used across the value
// index and its CLI. It exists to give every package a consistent,
// nil-safe default rather than threading a raw *zap.Logger construction
// through each caller.
package vidxlog

import "go.uber.org/zap"

// New builds a development-mode zap.Logger suitable for the vidx CLI:
// human-readable console output, debug level enabled.
func New() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Default returns a no-op logger. Library code should fall back to this
// when callers pass a nil *zap.Logger, rather than constructing one of
// their own.
func Default() *zap.Logger {
	return zap.NewNop()
}

// Or returns l if non-nil, or Default() otherwise. Packages that accept a
// *zap.Logger in their Options should route it through this at
// construction time.
func Or(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Default()
	}
	return l
}
