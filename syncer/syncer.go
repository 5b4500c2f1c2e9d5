// Package syncer replays queued offline actions against the remote store
// once connectivity comes back.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/luoyjx/tidesync/connectivity"
	"github.com/luoyjx/tidesync/proto"
)

// DefaultApplyTimeout bounds the remote call for one action
const DefaultApplyTimeout = 10 * time.Second

const tracerName = "github.com/luoyjx/tidesync/syncer"

// ErrNoApplier is reported when a queued action has a kind nobody handles
var ErrNoApplier = errors.New("no applier registered")

// ErrInvalidPayload marks a payload an applier can never accept
var ErrInvalidPayload = errors.New("invalid action payload")

// Applier performs the remote mutation described by a queued action
type Applier interface {
	Apply(ctx context.Context, action proto.QueuedAction) error
}

// Validator is implemented by appliers that can check a payload up front.
// Anything queued must pass, or it would block the queue head forever.
type Validator interface {
	Validate(payload json.RawMessage) error
}

// Validate checks payload against a when it implements Validator
func Validate(a Applier, payload json.RawMessage) error {
	v, ok := a.(Validator)
	if !ok {
		return nil
	}
	return v.Validate(payload)
}

// ApplierFunc adapts a function to Applier
type ApplierFunc func(ctx context.Context, action proto.QueuedAction) error

func (f ApplierFunc) Apply(ctx context.Context, action proto.QueuedAction) error {
	return f(ctx, action)
}

// Appliers maps action kinds to the remote call that replays them
type Appliers map[proto.ActionKind]Applier

// Queue is the part of operation.Queue the reconciler drains
type Queue interface {
	PeekAll(ctx context.Context) ([]proto.QueuedAction, error)
	Remove(ctx context.Context, id string) error
}

// Monitor is the part of connectivity.Monitor that triggers syncs
type Monitor interface {
	Subscribe() (<-chan connectivity.Event, func())
	TakeReconnected() bool
}

// Config for Reconciler
type Config struct {
	ApplyTimeout time.Duration
	Logger       *log.Logger
	// Debug logs every applied action
	Debug bool
}

// Report summarizes one drain of the queue
type Report struct {
	Applied   int
	Remaining int
	// Failed is the action that stopped the run, if any
	Failed     *proto.QueuedAction
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Reconciler drains the pending action queue in FIFO order. A run stops at
// the first action that cannot be applied so later actions never overtake
// an earlier one.
type Reconciler struct {
	queue    Queue
	appliers Appliers
	monitor  Monitor
	timeout  time.Duration
	logger   *log.Logger
	debug    bool

	runMu sync.Mutex

	mu      sync.Mutex
	last    Report
	hasLast bool
}

func New(queue Queue, appliers Appliers, monitor Monitor, cfg Config) *Reconciler {
	r := &Reconciler{
		queue:    queue,
		appliers: make(Appliers, len(appliers)),
		monitor:  monitor,
		timeout:  cfg.ApplyTimeout,
		logger:   cfg.Logger,
		debug:    cfg.Debug,
	}
	for kind, a := range appliers {
		r.appliers[kind] = a
	}
	if r.timeout <= 0 {
		r.timeout = DefaultApplyTimeout
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	return r
}

// Applier returns the applier registered for kind
func (r *Reconciler) Applier(kind proto.ActionKind) (Applier, bool) {
	a, ok := r.appliers[kind]
	return a, ok
}

// Start runs a sync every time the monitor reports a reconnect, until ctx is
// done. It subscribes before returning; the returned channel is closed once
// the listener exits. There is no retry timer: a failed run waits for the
// next reconnect or an explicit SyncNow.
func (r *Reconciler) Start(ctx context.Context) <-chan struct{} {
	events, cancel := r.monitor.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer cancel()
		r.listen(ctx, events)
	}()
	return done
}

func (r *Reconciler) listen(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev != connectivity.EventReconnected {
				continue
			}
			if !r.monitor.TakeReconnected() {
				continue
			}
			r.drainEvents(events)
			if _, err := r.Run(ctx); err != nil {
				r.logger.Printf("syncer: sync after reconnect failed: %v", err)
			}
		}
	}
}

// drainEvents coalesces reconnects that queued up behind the one being
// handled; the latch already guarantees one run per transition.
func (r *Reconciler) drainEvents(events <-chan connectivity.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// SyncNow runs a sync immediately
func (r *Reconciler) SyncNow(ctx context.Context) (Report, error) {
	return r.Run(ctx)
}

// Run drains the queue once. Runs never overlap; a caller arriving during a
// run waits for it and then drains whatever is left.
//
// A remote failure stops the run and is described by the report; the
// returned error is reserved for persistence failures, which are fatal to
// the run.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "syncer.run")
	defer span.End()

	report, err := r.run(ctx)
	report.FinishedAt = time.Now()

	span.SetAttributes(
		attribute.Int("tidesync.sync.applied", report.Applied),
		attribute.Int("tidesync.sync.remaining", report.Remaining),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failure")
		report.Err = err
	case report.Err != nil:
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, "action failed")
	}

	r.mu.Lock()
	r.last = report
	r.hasLast = true
	r.mu.Unlock()

	if report.Applied > 0 || report.Err != nil {
		r.logger.Printf("syncer: applied %d, %d remaining", report.Applied, report.Remaining)
	}
	return report, err
}

func (r *Reconciler) run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now()}

	actions, err := r.queue.PeekAll(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = len(actions)

	for i := range actions {
		action := actions[i]
		if err := ctx.Err(); err != nil {
			report.Err = err
			return report, nil
		}

		if err := r.apply(ctx, action); err != nil {
			r.logger.Printf("syncer: action %s (%s) failed, stopping: %v", action.ID, action.Kind, err)
			report.Failed = &action
			report.Err = err
			return report, nil
		}

		// applied but still queued: it will be replayed on the next run
		if err := r.queue.Remove(ctx, action.ID); err != nil {
			return report, fmt.Errorf("action %s applied but not dequeued: %w", action.ID, err)
		}
		report.Applied++
		report.Remaining--
		if r.debug {
			r.logger.Printf("syncer: applied action %s (%s)", action.ID, action.Kind)
		}
	}
	return report, nil
}

func (r *Reconciler) apply(ctx context.Context, action proto.QueuedAction) error {
	applier, ok := r.appliers[action.Kind]
	if !ok {
		return fmt.Errorf("%w for kind %q", ErrNoApplier, action.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return proto.NewRemoteError("apply "+action.Kind.String(), applier.Apply(ctx, action))
}

// LastReport returns the report of the most recent run
func (r *Reconciler) LastReport() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}
