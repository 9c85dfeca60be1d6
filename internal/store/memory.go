package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/daysync/daysync/internal/record"
)

// Memory is an in-process Store. Values are kept in their encoded form so
// the codec behaves exactly as it does for durable stores.
type Memory struct {
	codec Codec

	mu     sync.Mutex
	data   map[string][]byte
	meta   map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory(codec Codec) *Memory {
	return &Memory{
		codec: codec,
		data:  make(map[string][]byte),
		meta:  make(map[string][]byte),
	}
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, key string) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.getLocked(key)
}

func (m *Memory) getLocked(key string) (*record.Record, error) {
	stored, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return Decode(key, stored)
}

// Set implements Store.Set.
func (m *Memory) Set(ctx context.Context, rec *record.Record) error {
	encoded, err := m.codec.Encode(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[rec.Key] = encoded
	return nil
}

// Apply implements Store.Apply.
func (m *Memory) Apply(ctx context.Context, rec *record.Record, resolver *record.Resolver) (bool, error) {
	encoded, err := m.codec.Encode(rec)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	current, err := m.getLocked(rec.Key)
	if err != nil {
		return false, err
	}
	if resolver == nil {
		resolver = record.NewResolver(nil)
	}
	if !resolver.ShouldApply(current, rec) {
		return false, nil
	}
	m.data[rec.Key] = encoded
	return true, nil
}

// Invalidate implements Store.Invalidate. Memory has no cache layer.
func (m *Memory) Invalidate(ctx context.Context, key string) error {
	return nil
}

// Keys implements Store.Keys.
func (m *Memory) Keys(ctx context.Context, contains string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if contains == "" || strings.Contains(k, contains) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// LoadRaw implements Store.LoadRaw.
func (m *Memory) LoadRaw(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.meta[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// SaveRaw implements Store.SaveRaw.
func (m *Memory) SaveRaw(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.meta[key] = v
	return nil
}

// Close implements Store.Close.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
