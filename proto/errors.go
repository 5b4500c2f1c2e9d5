package proto

import (
	"errors"
	"fmt"
)

var (
	// ErrRemote marks failures of the remote store: rejected writes, HTTP or
	// database errors and unreachable hosts.
	ErrRemote = errors.New("remote store error")

	// ErrCacheMiss is a lookup result, not a failure on its own.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNoData is returned when neither the network nor the cache could
	// produce a value.
	ErrNoData = errors.New("no cached data and no network")

	// ErrPersistence marks failures of the local persistent device. These
	// always reach the caller since they may mean lost data.
	ErrPersistence = errors.New("persistence error")
)

// RemoteError wraps a remote store failure with the operation that caused it
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// NewRemoteError wraps err as a remote failure of op. A nil err stays nil.
func NewRemoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Op: op, Err: err}
}

// PersistenceError wraps err with ErrPersistence and a short description
func PersistenceError(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, what, err)
}
