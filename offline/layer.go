// Package offline wires the cache, the pending action queue, the
// connectivity monitor and the reconciler into one layer that the
// application talks to.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luoyjx/tidesync/accessor"
	"github.com/luoyjx/tidesync/cache"
	"github.com/luoyjx/tidesync/connectivity"
	"github.com/luoyjx/tidesync/operation"
	"github.com/luoyjx/tidesync/proto"
	"github.com/luoyjx/tidesync/storage"
	"github.com/luoyjx/tidesync/syncer"
)

// WriteMode selects how Submit treats mutations
type WriteMode string

const (
	// WriteDirect applies mutations immediately when online and queues them
	// only when that is not possible.
	WriteDirect WriteMode = "direct"
	// WriteOptimistic queues every mutation and lets the reconciler apply it.
	WriteOptimistic WriteMode = "optimistic"
)

// ParseWriteMode accepts "direct" or "optimistic"; empty means direct
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(s) {
	case "", WriteDirect:
		return WriteDirect, nil
	case WriteOptimistic:
		return WriteOptimistic, nil
	}
	return "", fmt.Errorf("unknown write mode %q", s)
}

// Options tunes a Layer
type Options struct {
	Cache         cache.Config
	WriteMode     WriteMode
	RemoteTimeout time.Duration
	ApplyTimeout  time.Duration
	Logger        *log.Logger
	// Debug enables per-action and per-read logs
	Debug bool
}

// SubmitResult tells what happened to a mutation
type SubmitResult struct {
	// Applied is true when the remote store accepted the mutation directly
	Applied bool
	// Action is set when the mutation was queued
	Action *proto.QueuedAction
}

// Queued reports whether the mutation waits in the pending queue
func (r SubmitResult) Queued() bool {
	return r.Action != nil
}

// Status is a snapshot of the layer
type Status struct {
	Online   bool
	Pending  int
	LastSync *syncer.Report
}

// Layer owns every offline component. It holds no global state; create one
// per device.
type Layer struct {
	Device  storage.Device
	Cache   *cache.Store
	Queue   *operation.Queue
	Monitor *connectivity.Monitor
	Syncer  *syncer.Reconciler

	mode          WriteMode
	remoteTimeout time.Duration
	applyTimeout  time.Duration
	logger        *log.Logger
	debug         bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// mu guards closed so no goroutine is added to wg once Close waits
	mu     sync.Mutex
	closed bool
}

// New builds a layer over device. appliers replay queued actions and serve
// direct writes.
func New(device storage.Device, source connectivity.Source, appliers syncer.Appliers, opts Options) *Layer {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cacheCfg := opts.Cache
	if cacheCfg.Logger == nil {
		cacheCfg.Logger = logger
	}
	mode := opts.WriteMode
	if mode == "" {
		mode = WriteDirect
	}
	applyTimeout := opts.ApplyTimeout
	if applyTimeout <= 0 {
		applyTimeout = syncer.DefaultApplyTimeout
	}

	queue := operation.NewQueue(device)
	monitor := connectivity.NewMonitor(source, logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Layer{
		Device:  device,
		Cache:   cache.NewStoreWithConfig(device, cacheCfg),
		Queue:   queue,
		Monitor: monitor,
		Syncer: syncer.New(queue, appliers, monitor, syncer.Config{
			ApplyTimeout: applyTimeout,
			Logger:       logger,
			Debug:        opts.Debug,
		}),
		mode:          mode,
		remoteTimeout: opts.RemoteTimeout,
		applyTimeout:  applyTimeout,
		logger:        logger,
		debug:         opts.Debug,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// NewAccessor creates a read-through accessor bound to the layer's cache and
// monitor
func NewAccessor[T any](l *Layer, key cache.Key, fetch accessor.FetchFunc[T]) *accessor.Accessor[T] {
	return accessor.New(key, fetch, l.Monitor, l.Cache, accessor.Options{
		RemoteTimeout: l.remoteTimeout,
		Logger:        l.logger,
		Debug:         l.debug,
	})
}

// WriteMode returns the configured write mode
func (l *Layer) WriteMode() WriteMode {
	return l.mode
}

// Start follows connectivity changes and syncs on every reconnect until
// Close. Pending actions left from a previous run are synced right away
// when online.
func (l *Layer) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	syncDone := l.Syncer.Start(l.ctx)
	monitorDone := l.Monitor.Start(l.ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-syncDone
		<-monitorDone
	}()

	if l.Monitor.State() == connectivity.StateOnline {
		if n, err := l.Queue.Len(l.ctx); err == nil && n > 0 {
			l.kickLocked()
		}
	}
}

// kick runs a sync in the background unless the layer is closed
func (l *Layer) kick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.kickLocked()
}

func (l *Layer) kickLocked() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, err := l.Syncer.SyncNow(l.ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Printf("offline: background sync failed: %v", err)
		}
	}()
}

// Submit performs or queues a mutation. The payload is validated by the
// kind's applier before anything is queued. Enqueue failures are always
// returned; a failed direct write falls back to the queue.
func (l *Layer) Submit(ctx context.Context, kind proto.ActionKind, payload any) (SubmitResult, error) {
	applier, ok := l.Syncer.Applier(kind)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w for kind %q", syncer.ErrNoApplier, kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal action payload: %w", err)
	}
	if err := syncer.Validate(applier, data); err != nil {
		return SubmitResult{}, err
	}

	if l.mode == WriteOptimistic {
		return l.enqueue(ctx, kind, data, true)
	}

	if !l.Monitor.IsOnline(ctx) {
		return l.enqueue(ctx, kind, data, false)
	}

	// applying now would overtake actions still waiting in the queue
	if n, err := l.Queue.Len(ctx); err != nil {
		return SubmitResult{}, err
	} else if n > 0 {
		return l.enqueue(ctx, kind, data, true)
	}

	action := proto.QueuedAction{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	applyCtx, cancel := context.WithTimeout(ctx, l.applyTimeout)
	err = applier.Apply(applyCtx, action)
	cancel()
	if err == nil {
		if l.debug {
			l.logger.Printf("offline: applied %s directly", kind)
		}
		return SubmitResult{Applied: true}, nil
	}
	// a payload the applier rejects would block the queue head forever
	if !errors.Is(err, proto.ErrRemote) && !errors.Is(err, context.DeadlineExceeded) {
		return SubmitResult{}, err
	}

	l.logger.Printf("offline: direct %s failed, queuing: %v", kind, err)
	return l.enqueue(ctx, kind, data, false)
}

func (l *Layer) enqueue(ctx context.Context, kind proto.ActionKind, payload json.RawMessage, kickSync bool) (SubmitResult, error) {
	action, err := l.Queue.Enqueue(ctx, kind, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	if l.debug {
		l.logger.Printf("offline: queued %s action %s", kind, action.ID)
	}
	if kickSync && l.Monitor.IsOnline(ctx) {
		l.kick()
	}
	return SubmitResult{Action: &action}, nil
}

// SyncNow drains the queue immediately
func (l *Layer) SyncNow(ctx context.Context) (syncer.Report, error) {
	return l.Syncer.SyncNow(ctx)
}

// Status reports connectivity, queue depth and the last sync
func (l *Layer) Status(ctx context.Context) (Status, error) {
	n, err := l.Queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Online:  l.Monitor.IsOnline(ctx),
		Pending: n,
	}
	if report, ok := l.Syncer.LastReport(); ok {
		st.LastSync = &report
	}
	return st, nil
}

// Close stops background work and closes the device
func (l *Layer) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return l.Device.Close()
}
