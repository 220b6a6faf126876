package target

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	generation  int64
	etag        string
}

func (o *memoryObject) meta() ObjectMeta {
	return ObjectMeta{ETag: o.etag, Generation: o.generation, Size: int64(len(o.data))}
}

// FaultFunc decides whether a MemoryTarget operation fails. op is one of
// "put", "get", "head", "delete", "list" or "conditional-put"; key is the
// object key or list prefix. Returning nil lets the operation proceed.
type FaultFunc func(op, key string) error

// MemoryTarget is an in-memory Target used by tests and by the "memory"
// archive type.
type MemoryTarget struct {
	name string

	mu         sync.RWMutex
	objects    map[string]*memoryObject
	generation int64
	fault      FaultFunc
}

// NewMemoryTarget creates a new in-memory Target with the given name.
func NewMemoryTarget(name string) *MemoryTarget {
	return &MemoryTarget{
		name:    name,
		objects: make(map[string]*memoryObject),
	}
}

// SetFault installs (or, with nil, removes) a fault injection hook.
func (m *MemoryTarget) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Keys returns every stored key in lexical order.
func (m *MemoryTarget) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContentType returns the content type an object was stored with.
func (m *MemoryTarget) ContentType(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return "", false
	}
	return obj.contentType, true
}

func (m *MemoryTarget) Name() string {
	return m.name
}

func (m *MemoryTarget) checkFault(op, key string) error {
	m.mu.RLock()
	f := m.fault
	m.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f(op, key)
}

// store writes obj under key. Callers hold m.mu.
func (m *MemoryTarget) store(key string, data []byte, opts PutOptions) {
	m.generation++
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	m.objects[key] = &memoryObject{
		data:        data,
		contentType: opts.ContentType,
		metadata:    meta,
		generation:  m.generation,
		etag:        fmt.Sprintf(`"%d"`, m.generation),
	}
}

func (m *MemoryTarget) Put(_ context.Context, key string, body io.Reader, opts PutOptions) error {
	if err := m.checkFault("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, data, opts)
	return nil
}

func (m *MemoryTarget) Get(_ context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	if err := m.checkFault("get", key); err != nil {
		return nil, ObjectMeta{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectMeta{}, ErrNotFound
	}

	// Callers must not be able to mutate the store through the body.
	buf := bytes.Clone(obj.data)
	return io.NopCloser(bytes.NewReader(buf)), obj.meta(), nil
}

func (m *MemoryTarget) Head(_ context.Context, key string) (ObjectMeta, error) {
	if err := m.checkFault("head", key); err != nil {
		return ObjectMeta{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectMeta{}, ErrNotFound
	}
	return obj.meta(), nil
}

func (m *MemoryTarget) Delete(_ context.Context, key string) error {
	if err := m.checkFault("delete", key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

func (m *MemoryTarget) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	if err := m.checkFault("list", prefix); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			results = append(results, ObjectInfo{
				Key:  k,
				Size: int64(len(obj.data)),
				ETag: obj.etag,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key < results[j].Key
	})
	return results, nil
}

// ConditionalPut emulates the conditions of every backend: generation
// (GCS), ETag or "*" (S3) and lease presence (Azure). An empty condition
// means create-only.
func (m *MemoryTarget) ConditionalPut(_ context.Context, key string, body io.Reader, condition WriteCondition, opts PutOptions) error {
	if err := m.checkFault("conditional-put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.objects[key]
	if err := checkCondition(key, existing, exists, condition); err != nil {
		return err
	}

	m.store(key, data, opts)
	return nil
}

func checkCondition(key string, existing *memoryObject, exists bool, c WriteCondition) error {
	createOnly := func(reason string) error {
		if exists {
			return &ConcurrentModificationError{
				Key:     key,
				Message: fmt.Sprintf("object %q already exists%s", key, reason),
			}
		}
		return nil
	}

	switch {
	case c.Generation != 0:
		if !exists || existing.generation != c.Generation {
			return ErrPreconditionFailed
		}
	case c.IfMatch == "*":
		return createOnly(" (If-None-Match: *)")
	case c.IfMatch != "":
		if !exists || existing.etag != c.IfMatch {
			return ErrPreconditionFailed
		}
	case c.LeaseID != "":
		// Leases are not modelled; the blob only has to exist.
		if !exists {
			return ErrNotFound
		}
	default:
		return createOnly("")
	}
	return nil
}
