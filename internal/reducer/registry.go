// Package reducer maps projection kinds to the hash of the reduction logic
// that produces their snapshots. A kind's hash changes whenever its
// fingerprint changes, which moves new snapshots into a fresh family.
package reducer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrUnknownKind = errors.New("unknown projection kind")
	ErrDuplicate   = errors.New("projection kind already registered")
)

// HashOf returns the 16-hex-digit xxhash64 of fingerprint.
func HashOf(fingerprint string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fingerprint))
}

// Fingerprint builds a fingerprint from a reducer name and the event types it
// folds. Event order does not matter.
func Fingerprint(reducer string, events ...string) string {
	sorted := append([]string(nil), events...)
	sort.Strings(sorted)
	return reducer + "(" + strings.Join(sorted, ",") + ")"
}

// Registry is a fixed table of kind to reducer hash, filled at startup.
type Registry struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewRegistry() *Registry {
	return &Registry{hashes: make(map[string]string)}
}

// Register records kind's fingerprint. Registering a kind twice is an error.
func (r *Registry) Register(kind, fingerprint string) (string, error) {
	if kind == "" || fingerprint == "" {
		return "", fmt.Errorf("registering reducer: kind and fingerprint are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hashes[kind]; ok {
		return "", fmt.Errorf("%s: %w", kind, ErrDuplicate)
	}
	h := HashOf(fingerprint)
	r.hashes[kind] = h
	return h, nil
}

// Hash returns kind's reducer hash.
func (r *Registry) Hash(kind string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hashes[kind]
	if !ok {
		return "", fmt.Errorf("%s: %w", kind, ErrUnknownKind)
	}
	return h, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.hashes))
	for k := range r.hashes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
