package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// ManualSource is a Source whose state is pushed by the host application
// (an OS network callback, an admin command, a test).
type ManualSource struct {
	mu       sync.Mutex
	online   bool
	watchers map[chan bool]struct{}
}

// NewManualSource creates a source with the given initial state
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{
		online:   online,
		watchers: make(map[chan bool]struct{}),
	}
}

// Set records a new state and notifies watchers when it changed
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}
	s.online = online
	for ch := range s.watchers {
		select {
		case ch <- online:
			continue
		default:
		}
		// replace an undelivered older state with this one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

func (s *ManualSource) IsOnline(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualSource) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Default probe settings for DialSource
const (
	DefaultDialTimeout   = 3 * time.Second
	DefaultProbeInterval = 15 * time.Second
)

// DialSource treats the remote host as reachable when a TCP connection to
// Addr succeeds within Timeout. Watch probes once before returning and then
// every Interval, reporting only changes.
type DialSource struct {
	Addr     string
	Timeout  time.Duration
	Interval time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialSource creates a probe for addr (host:port)
func NewDialSource(addr string, timeout, interval time.Duration) *DialSource {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	d := &net.Dialer{Timeout: timeout}
	return &DialSource{
		Addr:     addr,
		Timeout:  timeout,
		Interval: interval,
		dial:     d.DialContext,
	}
}

func (s *DialSource) IsOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	conn, err := s.dial(ctx, "tcp", s.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *DialSource) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool)
	last := s.IsOnline(ctx)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			online := s.IsOnline(ctx)
			if online == last {
				continue
			}
			last = online
			select {
			case ch <- online:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
