package shim

import (
	"errors"
	"sync"
)

// ErrInvalidHandle is returned when a callback references an unknown handle
// or one holding a value of the wrong type.
var ErrInvalidHandle = errors.New("invalid object handle")

// Host values the signing module can hold references to.
type (
	String      string
	ByteArray   []byte
	Integer     int32
	Long        int64
	Boolean     bool
	ObjectArray []uint64
	Thread      struct{}
	StackFrame  struct {
		ClassName  string
		MethodName string
	}
)

// ObjectTable maps integer handles to host values. Handle 0 is null.
// Freed slots are reused.
type ObjectTable struct {
	mu       sync.RWMutex
	entries  []slot
	freeList []uint64
}

type slot struct {
	value any
	valid bool
}

// NewObjectTable creates an empty table.
func NewObjectTable() *ObjectTable {
	return &ObjectTable{
		entries:  make([]slot, 0, 64),
		freeList: make([]uint64, 0, 16),
	}
}

// Put stores v and returns its handle.
func (t *ObjectTable) Put(v any) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := slot{value: v, valid: true}
	if n := len(t.freeList); n > 0 {
		h := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[h-1] = s
		return h
	}
	t.entries = append(t.entries, s)
	return uint64(len(t.entries))
}

// Get returns the value behind h.
func (t *ObjectTable) Get(h uint64) (any, bool) {
	if h == 0 {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h > uint64(len(t.entries)) {
		return nil, false
	}
	s := t.entries[h-1]
	if !s.valid {
		return nil, false
	}
	return s.value, true
}

// Release frees h. Unknown handles are ignored.
func (t *ObjectTable) Release(h uint64) {
	if h == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if h > uint64(len(t.entries)) || !t.entries[h-1].valid {
		return
	}
	t.entries[h-1] = slot{}
	t.freeList = append(t.freeList, h)
}

// Reset drops every handle.
func (t *ObjectTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = t.entries[:0]
	t.freeList = t.freeList[:0]
}

// Len returns the number of live handles.
func (t *ObjectTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) - len(t.freeList)
}

func lookup[T any](t *ObjectTable, h uint64) (T, bool) {
	var zero T
	v, ok := t.Get(h)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
