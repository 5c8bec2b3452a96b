// Package logging provides the structured logger shared by every package in
// the tree: a single process-wide zap logger, with per-component children
// handed out via Named.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.Mutex
	cur *zap.SugaredLogger
)

// init installs a sane production default so packages that never call
// SetLogger still get usable output instead of a nil pointer.
func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	cur = l.Sugar()
}

// SetLogger replaces the package-wide logger. Intended to be called once at
// process start, e.g. with a development logger in tests.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	cur = l.Sugar()
}

// Get returns the current logger.
func Get() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return cur
}

// Named returns a child logger tagged with the given component name.
func Named(component string) *zap.SugaredLogger {
	return Get().Named(component)
}
