package jsapi

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cryguy/sandbox/internal/engine"
)

// ErrSealed is returned by Add once tasks have started running.
var ErrSealed = errors.New("library set is sealed")

// Libraries holds preloaded CommonJS library sources by module name. The
// sources are evaluated afresh inside each task VM; only the strings are
// shared.
type Libraries struct {
	mu     sync.RWMutex
	src    map[string]string
	sealed bool
}

// NewLibraries creates an empty library set.
func NewLibraries() *Libraries {
	return &Libraries{src: make(map[string]string)}
}

// Add registers source under name.
func (l *Libraries) Add(name, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return fmt.Errorf("adding library %q: %w", name, ErrSealed)
	}
	l.src[name] = source
	return nil
}

// Source returns the bundled source of a library.
func (l *Libraries) Source(name string) (string, bool) {
	if l == nil {
		return "", false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.src[name]
	return s, ok
}

// Names returns the registered library names in sorted order.
func (l *Libraries) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.src))
	for n := range l.src {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Seal makes the set read-only.
func (l *Libraries) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

// Preload bundles a library file and registers it under name. Modules the
// library requires must pass gate; they are checked again at run time.
func (l *Libraries) Preload(name, source, path string, gate engine.Gate) error {
	code, externals, err := Bundle(source, path)
	if err != nil {
		return err
	}
	for _, ext := range externals {
		if err := gate.Check(ext); err != nil {
			return fmt.Errorf("library %s: %w", name, err)
		}
	}
	return l.Add(name, code)
}
