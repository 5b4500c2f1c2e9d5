package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryDevice keeps everything in process memory. It is used in tests and
// for ephemeral sessions. A positive quota caps the total number of bytes
// (keys plus values) the device accepts.
type MemoryDevice struct {
	mu     sync.RWMutex
	data   map[string]string
	quota  int
	used   int
	closed bool
}

// NewMemoryDevice creates an unbounded in-memory device
func NewMemoryDevice() *MemoryDevice {
	return NewMemoryDeviceWithQuota(0)
}

// NewMemoryDeviceWithQuota creates an in-memory device that rejects writes
// once quota bytes are in use. A quota of zero means unbounded.
func NewMemoryDeviceWithQuota(quota int) *MemoryDevice {
	return &MemoryDevice{
		data:  make(map[string]string),
		quota: quota,
	}
}

func (m *MemoryDevice) GetString(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}
	value, ok := m.data[key]
	return value, ok, nil
}

func (m *MemoryDevice) SetString(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return m.setLocked(key, value)
}

func (m *MemoryDevice) setLocked(key, value string) error {
	used := m.used + len(value)
	if old, ok := m.data[key]; ok {
		used -= len(old)
	} else {
		used += len(key)
	}
	if m.quota > 0 && used > m.quota {
		return ErrQuotaExceeded
	}

	m.data[key] = value
	m.used = used
	return nil
}

func (m *MemoryDevice) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	old, found := m.data[key]
	value, err := fn(old, found)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.setLocked(key, value)
}

func (m *MemoryDevice) RemoveKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if old, ok := m.data[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryDevice) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the device closed. The data is discarded.
func (m *MemoryDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	m.used = 0
	return nil
}
