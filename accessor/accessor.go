// Package accessor implements read-through access to remote entities: fresh
// data when the remote store answers, the last cached copy when it does not.
package accessor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/luoyjx/tidesync/cache"
	"github.com/luoyjx/tidesync/proto"
)

// DefaultRemoteTimeout bounds a single remote fetch
const DefaultRemoteTimeout = 10 * time.Second

const tracerName = "github.com/luoyjx/tidesync/accessor"

// Source tells where a Result came from
type Source int

const (
	SourceNone Source = iota
	SourceRemote
	SourceCache
)

func (s Source) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceCache:
		return "cache"
	default:
		return "none"
	}
}

// Result is the outcome of a read. CachedAt is set for SourceCache only.
type Result[T any] struct {
	Value    T
	Source   Source
	CachedAt time.Time
}

// Fresh reports whether the value came straight from the remote store
func (r Result[T]) Fresh() bool {
	return r.Source == SourceRemote
}

// FetchFunc reads the entity from the remote store
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Connectivity is the part of connectivity.Monitor the accessor needs
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// Options tunes an Accessor
type Options struct {
	// TTL for refreshed entries; zero uses the cache namespace TTL
	TTL           time.Duration
	RemoteTimeout time.Duration
	Logger        *log.Logger
	// Debug logs where every Get was served from
	Debug bool
}

// Accessor reads one cache key through to the remote store. It never
// mutates remote state.
type Accessor[T any] struct {
	key     cache.Key
	fetch   FetchFunc[T]
	online  Connectivity
	store   *cache.Store
	ttl     time.Duration
	timeout time.Duration
	logger  *log.Logger
	debug   bool
	group   singleflight.Group
}

// New creates an accessor for key
func New[T any](key cache.Key, fetch FetchFunc[T], online Connectivity, store *cache.Store, opts Options) *Accessor[T] {
	a := &Accessor[T]{
		key:     key,
		fetch:   fetch,
		online:  online,
		store:   store,
		ttl:     opts.TTL,
		timeout: opts.RemoteTimeout,
		logger:  opts.Logger,
		debug:   opts.Debug,
	}
	if a.timeout <= 0 {
		a.timeout = DefaultRemoteTimeout
	}
	if a.logger == nil {
		a.logger = log.Default()
	}
	return a
}

// Key returns the cache key the accessor reads and refreshes
func (a *Accessor[T]) Key() cache.Key {
	return a.key
}

type fetched[T any] struct {
	value  T
	putErr error
}

// Get returns fresh data when online, falling back to the cache when offline
// or when the remote fetch fails. When neither has data the error wraps
// proto.ErrNoData, and proto.ErrRemote if a fetch was attempted.
//
// A fresh value whose cache write failed is returned together with an error
// wrapping proto.ErrPersistence.
func (a *Accessor[T]) Get(ctx context.Context) (Result[T], error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "accessor.get",
		trace.WithAttributes(attribute.String("tidesync.cache_key", a.key.String())))
	defer span.End()

	var remoteErr error
	if a.online.IsOnline(ctx) {
		f, err := a.fetchRemote(ctx)
		if err == nil {
			span.SetAttributes(attribute.String("tidesync.source", SourceRemote.String()))
			a.debugf("accessor: %s served from %s", a.key, SourceRemote)
			res := Result[T]{Value: f.value, Source: SourceRemote}
			if f.putErr != nil {
				span.RecordError(f.putErr)
				return res, f.putErr
			}
			return res, nil
		}
		remoteErr = err
		a.logger.Printf("accessor: fetch %s failed, falling back to cache: %v", a.key, err)
		span.RecordError(err)
	}

	var cached T
	meta, ok, err := a.store.Get(ctx, a.key, &cached)
	if err != nil {
		span.SetStatus(codes.Error, "cache read failed")
		return Result[T]{Source: SourceNone}, errors.Join(err, remoteErr)
	}
	if ok {
		span.SetAttributes(attribute.String("tidesync.source", SourceCache.String()))
		a.debugf("accessor: %s served from %s, written %s", a.key, SourceCache, meta.WrittenAt.Format(time.RFC3339))
		return Result[T]{Value: cached, Source: SourceCache, CachedAt: meta.WrittenAt}, nil
	}

	span.SetAttributes(attribute.String("tidesync.source", SourceNone.String()))
	span.SetStatus(codes.Error, "no data")
	a.debugf("accessor: no data for %s", a.key)
	if remoteErr != nil {
		return Result[T]{Source: SourceNone}, fmt.Errorf("%w for %s: %w", proto.ErrNoData, a.key, remoteErr)
	}
	return Result[T]{Source: SourceNone}, fmt.Errorf("%w for %s: offline: %w", proto.ErrNoData, a.key, proto.ErrCacheMiss)
}

func (a *Accessor[T]) debugf(format string, args ...any) {
	if a.debug {
		a.logger.Printf(format, args...)
	}
}

// fetchRemote runs one fetch and cache refresh per key at a time; concurrent
// callers share the outcome.
func (a *Accessor[T]) fetchRemote(ctx context.Context) (fetched[T], error) {
	v, err, _ := a.group.Do(a.key.String(), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		value, err := a.fetch(fetchCtx)
		if err != nil {
			return nil, proto.NewRemoteError("fetch "+a.key.String(), err)
		}

		f := fetched[T]{value: value}
		if err := a.store.Put(ctx, a.key, value, a.ttl); err != nil {
			a.logger.Printf("accessor: failed to cache %s: %v", a.key, err)
			f.putErr = err
		}
		return f, nil
	})
	if err != nil {
		return fetched[T]{}, err
	}
	f, _ := v.(fetched[T])
	return f, nil
}

// Invalidate drops the cached copy
func (a *Accessor[T]) Invalidate(ctx context.Context) error {
	return a.store.Remove(ctx, a.key)
}
