// Package redisprotocol exposes the offline layer to operators over the
// Redis wire protocol, so redis-cli can inspect the cache, the pending queue
// and trigger syncs.
package redisprotocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"

	"github.com/luoyjx/tidesync/cache"
	"github.com/luoyjx/tidesync/connectivity"
	"github.com/luoyjx/tidesync/offline"
)

// commandTimeout bounds device work for one command; SYNC is bounded by the
// per-action apply timeout instead
const commandTimeout = 5 * time.Second

// RedisServer handles admin commands for one offline layer
type RedisServer struct {
	layer  *offline.Layer
	logger *log.Logger

	mu  sync.Mutex
	srv *redcon.Server
}

// NewRedisServer creates an admin server for layer. logger may be nil.
func NewRedisServer(layer *offline.Layer, logger *log.Logger) *RedisServer {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisServer{layer: layer, logger: logger}
}

// Start listens on addr and serves until Close
func (rs *RedisServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", addr, err)
	}
	return rs.Serve(ln)
}

// Serve serves admin commands on ln until Close
func (rs *RedisServer) Serve(ln net.Listener) error {
	srv := redcon.NewServer(ln.Addr().String(),
		rs.handleCommand,
		rs.handleConnect,
		rs.handleDisconnect,
	)
	rs.mu.Lock()
	rs.srv = srv
	rs.mu.Unlock()

	rs.logger.Printf("admin: serving on %s", ln.Addr())
	return srv.Serve(ln)
}

// Close stops the server
func (rs *RedisServer) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.srv == nil {
		return nil
	}
	return rs.srv.Close()
}

// handleCommand processes admin commands
func (rs *RedisServer) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	name := strings.ToLower(string(cmd.Args[0]))
	args := cmd.Args[1:]

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch name {
	case "ping":
		switch len(args) {
		case 0:
			conn.WriteString("PONG")
		case 1:
			conn.WriteBulk(args[0])
		default:
			wrongArgs(conn, name)
		}

	case "status":
		if len(args) != 0 {
			wrongArgs(conn, name)
			return
		}
		st, err := rs.layer.Status(ctx)
		if err != nil {
			writeErr(conn, err)
			return
		}
		conn.WriteBulkString(formatStatus(st, rs.layer.WriteMode()))

	case "cache.get":
		key, ok := cacheKey(conn, name, args)
		if !ok {
			return
		}
		entry, found, err := rs.layer.Cache.GetRaw(ctx, key)
		if err != nil {
			writeErr(conn, err)
			return
		}
		if !found {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(entry.Data)

	case "cache.ttl":
		key, ok := cacheKey(conn, name, args)
		if !ok {
			return
		}
		entry, found, err := rs.layer.Cache.GetRaw(ctx, key)
		if err != nil {
			writeErr(conn, err)
			return
		}
		if !found {
			conn.WriteInt64(-2)
			return
		}
		remaining := entry.WrittenAt().Add(entry.TTL()).Sub(time.Now())
		conn.WriteInt64(int64(remaining / time.Millisecond))

	case "cache.del":
		key, ok := cacheKey(conn, name, args)
		if !ok {
			return
		}
		if err := rs.layer.Cache.Remove(ctx, key); err != nil {
			writeErr(conn, err)
			return
		}
		conn.WriteString("OK")

	case "cache.clear":
		if len(args) > 1 {
			wrongArgs(conn, name)
			return
		}
		namespace := ""
		if len(args) == 1 {
			namespace = string(args[0])
		}
		n, err := rs.layer.Cache.Clear(ctx, namespace)
		if err != nil {
			writeErr(conn, err)
			return
		}
		conn.WriteInt(n)

	case "cache.keys":
		if len(args) > 1 {
			wrongArgs(conn, name)
			return
		}
		namespace := ""
		if len(args) == 1 {
			namespace = string(args[0])
		}
		keys, err := rs.layer.Cache.Keys(ctx, namespace)
		if err != nil {
			writeErr(conn, err)
			return
		}
		conn.WriteArray(len(keys))
		for _, k := range keys {
			conn.WriteBulkString(k)
		}

	case "queue.len":
		if len(args) != 0 {
			wrongArgs(conn, name)
			return
		}
		n, err := rs.layer.Queue.Len(ctx)
		if err != nil {
			writeErr(conn, err)
			return
		}
		conn.WriteInt(n)

	case "queue.list":
		if len(args) != 0 {
			wrongArgs(conn, name)
			return
		}
		actions, err := rs.layer.Queue.PeekAll(ctx)
		if err != nil {
			writeErr(conn, err)
			return
		}
		conn.WriteArray(len(actions))
		for _, a := range actions {
			conn.WriteBulkString(fmt.Sprintf("%s %s %d %s", a.ID, a.Kind, a.EnqueuedAt, a.Payload))
		}

	case "queue.clear":
		if len(args) != 0 {
			wrongArgs(conn, name)
			return
		}
		if err := rs.layer.Queue.Clear(ctx); err != nil {
			writeErr(conn, err)
			return
		}
		rs.logger.Printf("admin: pending queue cleared")
		conn.WriteString("OK")

	case "sync":
		if len(args) != 0 {
			wrongArgs(conn, name)
			return
		}
		report, err := rs.layer.SyncNow(context.Background())
		if err != nil {
			writeErr(conn, err)
			return
		}
		line := fmt.Sprintf("applied:%d remaining:%d", report.Applied, report.Remaining)
		if report.Err != nil {
			line += fmt.Sprintf(" error:%v", report.Err)
		}
		conn.WriteBulkString(line)

	case "online", "offline":
		if len(args) != 0 {
			wrongArgs(conn, name)
			return
		}
		manual, ok := rs.layer.Monitor.Source().(*connectivity.ManualSource)
		if !ok {
			conn.WriteError("ERR connectivity is probed, not set manually")
			return
		}
		manual.Set(name == "online")
		rs.layer.Monitor.Observe(name == "online")
		conn.WriteString("OK")

	default:
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", cmd.Args[0]))
	}
}

// handleConnect handles new connections
func (rs *RedisServer) handleConnect(conn redcon.Conn) bool {
	return true
}

// handleDisconnect handles client disconnections
func (rs *RedisServer) handleDisconnect(conn redcon.Conn, err error) {
	if err != nil && !errors.Is(err, net.ErrClosed) {
		rs.logger.Printf("admin: connection %s closed: %v", conn.RemoteAddr(), err)
	}
}

func cacheKey(conn redcon.Conn, name string, args [][]byte) (cache.Key, bool) {
	if len(args) < 1 || len(args) > 2 {
		wrongArgs(conn, name)
		return cache.Key{}, false
	}
	key := cache.NewKey(string(args[0]))
	if len(args) == 2 {
		key.ID = string(args[1])
	}
	if err := key.Validate(); err != nil {
		conn.WriteError("ERR " + err.Error())
		return cache.Key{}, false
	}
	return key, true
}

func wrongArgs(conn redcon.Conn, name string) {
	conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}

func writeErr(conn redcon.Conn, err error) {
	conn.WriteError(fmt.Sprintf("ERR %v", err))
}

// formatStatus renders the layer status the way INFO renders sections
func formatStatus(st offline.Status, mode offline.WriteMode) string {
	var b strings.Builder
	b.WriteString("# Offline\r\n")
	fmt.Fprintf(&b, "online:%d\r\n", boolInt(st.Online))
	fmt.Fprintf(&b, "write_mode:%s\r\n", mode)
	fmt.Fprintf(&b, "pending_actions:%d\r\n", st.Pending)
	if st.LastSync != nil {
		b.WriteString("# Sync\r\n")
		fmt.Fprintf(&b, "last_sync_at:%d\r\n", st.LastSync.FinishedAt.UnixMilli())
		fmt.Fprintf(&b, "last_sync_applied:%d\r\n", st.LastSync.Applied)
		fmt.Fprintf(&b, "last_sync_remaining:%d\r\n", st.LastSync.Remaining)
		if st.LastSync.Err != nil {
			fmt.Fprintf(&b, "last_sync_error:%s\r\n", st.LastSync.Err)
		}
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
