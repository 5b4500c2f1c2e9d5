// Package storage provides the persistent key-value devices that back the
// offline cache and the pending action queue.
//
// Every driver stores opaque strings under string keys. Writes that cannot
// be persisted are reported to the caller; a device never drops a write
// silently.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrQuotaExceeded is returned when a bounded device has no room left
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrClosed is returned by operations on a closed device
	ErrClosed = errors.New("storage device is closed")

	// ErrNoChange may be returned by an UpdateFunc to leave the key as it is
	ErrNoChange = errors.New("no change")

	// ErrConflict is returned when an update kept losing to concurrent writers
	ErrConflict = errors.New("storage update conflict")
)

// UpdateFunc computes the new value of a key from its current value
type UpdateFunc func(old string, found bool) (string, error)

// Device is a persistent string key-value store shared by the cache and the
// pending action queue. Callers keep their keys apart by prefix.
type Device interface {
	// GetString returns the value stored under key and whether it exists
	GetString(ctx context.Context, key string) (string, bool, error)

	// SetString stores value under key, replacing any previous value
	SetString(ctx context.Context, key, value string) error

	// RemoveKey deletes key. Removing a missing key is not an error.
	RemoveKey(ctx context.Context, key string) error

	// Update atomically replaces the value of key with fn's result. No other
	// writer, in this process or another one sharing the device, can change
	// key between the read and the write. fn may run more than once.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Keys lists the keys starting with prefix, in lexical order
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
