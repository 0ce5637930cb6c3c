package blobstore

import (
	"bytes"
	"context"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Op names a MemoryStore operation for fault injection.
type Op string

// Operations that can be failed with MemoryStore.FailOn.
const (
	OpOpen   Op = "open"
	OpCommit Op = "commit"
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

type fault struct {
	op     Op
	prefix string
	err    error
}

// MemoryStore keeps blobs in process memory. It is safe for concurrent use
// and can inject failures, which makes it the store of choice for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	faults []fault
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// FailOn makes op fail with err for every name starting with prefix until
// Heal is called.
func (m *MemoryStore) FailOn(op Op, prefix string, err error) {
	m.mu.Lock()
	m.faults = append(m.faults, fault{op: op, prefix: prefix, err: err})
	m.mu.Unlock()
}

// Heal removes every injected failure.
func (m *MemoryStore) Heal() {
	m.mu.Lock()
	m.faults = nil
	m.mu.Unlock()
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// failure must be called with mu held.
func (m *MemoryStore) failure(ctx context.Context, op Op, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range m.faults {
		if f.op == op && strings.HasPrefix(name, f.prefix) {
			return f.err
		}
	}
	return nil
}

// Open opens a blob for reading.
func (m *MemoryStore) Open(ctx context.Context, name string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(ctx, OpOpen, name); err != nil {
		return nil, err
	}
	data, ok := m.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	// Stored slices are never mutated.
	return &memoryBlob{data: data}, nil
}

// Create starts a buffered write that becomes visible on Close.
func (m *MemoryStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryWritableBlob{ctx: ctx, store: m, name: name}, nil
}

// Put stores a copy of data under name.
func (m *MemoryStore) Put(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(ctx, OpPut, name); err != nil {
		return err
	}
	m.blobs[name] = bytes.Clone(data)
	return nil
}

// Delete removes a blob.
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(ctx, OpDelete, name); err != nil {
		return err
	}
	delete(m.blobs, name)
	return nil
}

// List returns the names with the given prefix in lexical order.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(ctx, OpList, prefix); err != nil {
		return nil, err
	}
	names := slices.DeleteFunc(slices.Collect(maps.Keys(m.blobs)), func(name string) bool {
		return !strings.HasPrefix(name, prefix)
	})
	slices.Sort(names)
	return names, nil
}

type memoryBlob struct {
	data []byte
}

func (b *memoryBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *memoryBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	off = min(off, int64(len(b.data)))
	end := min(off+length, int64(len(b.data)))
	return io.NopCloser(bytes.NewReader(b.data[off:end])), nil
}

func (b *memoryBlob) Size() int64  { return int64(len(b.data)) }
func (b *memoryBlob) Close() error { return nil }

type memoryWritableBlob struct {
	ctx   context.Context
	store *MemoryStore
	name  string
	buf   bytes.Buffer
	done  bool
}

func (w *memoryWritableBlob) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrAborted
	}
	return w.buf.Write(p)
}

func (w *memoryWritableBlob) Close() error {
	if w.done {
		return ErrAborted
	}
	w.done = true

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if err := w.store.failure(w.ctx, OpCommit, w.name); err != nil {
		return err
	}
	w.store.blobs[w.name] = bytes.Clone(w.buf.Bytes())
	return nil
}

func (w *memoryWritableBlob) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
