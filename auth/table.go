package auth

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrUnknown means the key was never issued or has already been taken.
	ErrUnknown = errors.New("unknown key")
	// ErrExpired means the key existed but its deadline has passed.
	ErrExpired = errors.New("expired key")
)

type tableEntry[T any] struct {
	value    T
	deadline time.Time
}

// Table holds single-use values with an absolute deadline. Expiry is checked
// on Take; Sweep only reclaims memory for entries nobody redeemed.
type Table[T any] struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]tableEntry[T]
}

// NewTable creates an empty table using now as its clock.
func NewTable[T any](now func() time.Time) *Table[T] {
	if now == nil {
		now = time.Now
	}
	return &Table[T]{now: now, entries: make(map[string]tableEntry[T])}
}

// Put stores value under key until deadline, replacing any previous entry.
func (t *Table[T]) Put(key string, value T, deadline time.Time) {
	t.mu.Lock()
	t.entries[key] = tableEntry[T]{value: value, deadline: deadline}
	t.mu.Unlock()
}

// Take removes key and returns its value. An entry past its deadline is
// removed as well and reported as ErrExpired.
func (t *Table[T]) Take(key string) (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return zero, ErrUnknown
	}
	delete(t.entries, key)
	if !t.now().Before(e.deadline) {
		return zero, ErrExpired
	}
	return e.value, nil
}

// Sweep drops every entry whose deadline is not after now.
func (t *Table[T]) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, e := range t.entries {
		if !now.Before(e.deadline) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of live and unswept entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
