// Package redistest runs a small in-process Redis server for tests. It speaks
// enough of the protocol for storage.RedisDevice: PING, GET, SET, DEL, KEYS
// and optimistic transactions with WATCH/MULTI/EXEC.
package redistest

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/redcon"
)

// Server is an in-memory Redis server shared by any number of clients
type Server struct {
	mu       sync.Mutex
	data     map[string]string
	versions map[string]int64

	// FailWrites makes SET and DEL reply with an error
	FailWrites atomic.Bool

	srv  *redcon.Server
	addr string
}

type connState struct {
	watched map[string]int64
	multi   bool
	queued  [][][]byte
}

// NewServer starts a server on a loopback port and stops it when the test
// ends
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("redistest: listen: %v", err)
	}
	s := &Server{
		data:     make(map[string]string),
		versions: make(map[string]int64),
		addr:     ln.Addr().String(),
	}
	s.srv = redcon.NewServer(s.addr,
		s.handle,
		func(conn redcon.Conn) bool {
			conn.SetContext(&connState{})
			return true
		},
		func(conn redcon.Conn, err error) {},
	)
	go s.srv.Serve(ln)
	t.Cleanup(func() { s.srv.Close() })
	return s
}

// Addr returns the host:port the server listens on
func (s *Server) Addr() string {
	return s.addr
}

// NewClient returns a go-redis client connected to the server. Each client
// has its own connections, like a separate process would.
func (s *Server) NewClient(t testing.TB) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:             s.addr,
		Protocol:         2,
		DisableIndentity: true,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

// Value returns the raw value stored under key
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	state, _ := conn.Context().(*connState)
	if state == nil {
		state = &connState{}
		conn.SetContext(state)
	}
	name := strings.ToLower(string(cmd.Args[0]))

	switch name {
	case "multi":
		if state.multi {
			conn.WriteError("ERR MULTI calls can not be nested")
			return
		}
		state.multi = true
		conn.WriteString("OK")
		return
	case "discard":
		state.multi, state.queued, state.watched = false, nil, nil
		conn.WriteString("OK")
		return
	case "exec":
		s.exec(conn, state)
		return
	}

	if state.multi {
		// args point into the read buffer
		args := make([][]byte, len(cmd.Args))
		for i, a := range cmd.Args {
			args[i] = append([]byte(nil), a...)
		}
		state.queued = append(state.queued, args)
		conn.WriteString("QUEUED")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case "watch":
		if state.watched == nil {
			state.watched = make(map[string]int64)
		}
		for _, k := range cmd.Args[1:] {
			state.watched[string(k)] = s.versions[string(k)]
		}
		conn.WriteString("OK")
	case "unwatch":
		state.watched = nil
		conn.WriteString("OK")
	default:
		s.runLocked(conn, cmd.Args)
	}
}

func (s *Server) exec(conn redcon.Conn, state *connState) {
	if !state.multi {
		conn.WriteError("ERR EXEC without MULTI")
		return
	}
	queued, watched := state.queued, state.watched
	state.multi, state.queued, state.watched = false, nil, nil

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range watched {
		if s.versions[k] != v {
			conn.WriteNull()
			return
		}
	}
	conn.WriteArray(len(queued))
	for _, args := range queued {
		s.runLocked(conn, args)
	}
}

func (s *Server) runLocked(conn redcon.Conn, args [][]byte) {
	name := strings.ToLower(string(args[0]))
	switch name {
	case "ping":
		conn.WriteString("PONG")
	case "get":
		if len(args) != 2 {
			wrongArgs(conn, name)
			return
		}
		v, ok := s.data[string(args[1])]
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulkString(v)
	case "set":
		if len(args) < 3 {
			wrongArgs(conn, name)
			return
		}
		if s.FailWrites.Load() {
			conn.WriteError("ERR write refused")
			return
		}
		k := string(args[1])
		s.data[k] = string(args[2])
		s.versions[k]++
		conn.WriteString("OK")
	case "del":
		if s.FailWrites.Load() {
			conn.WriteError("ERR write refused")
			return
		}
		n := 0
		for _, a := range args[1:] {
			k := string(a)
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				s.versions[k]++
				n++
			}
		}
		conn.WriteInt(n)
	case "keys":
		if len(args) != 2 {
			wrongArgs(conn, name)
			return
		}
		prefix, ok := literalPrefix(string(args[1]))
		if !ok {
			conn.WriteError("ERR only prefix* patterns are supported")
			return
		}
		var keys []string
		for k := range s.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		conn.WriteArray(len(keys))
		for _, k := range keys {
			conn.WriteBulkString(k)
		}
	default:
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// literalPrefix turns an escaped "prefix*" glob back into the prefix
func literalPrefix(pattern string) (string, bool) {
	if !strings.HasSuffix(pattern, "*") {
		return "", false
	}
	pattern = strings.TrimSuffix(pattern, "*")
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			i++
			b.WriteByte(pattern[i])
			continue
		}
		if c == '*' || c == '?' || c == '[' {
			return "", false
		}
		b.WriteByte(c)
	}
	return b.String(), true
}

func wrongArgs(conn redcon.Conn, name string) {
	conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}
