package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luoyjx/tidesync/proto"
	"github.com/luoyjx/tidesync/syncer"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type fakePostgREST struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	status, resp := f.status, f.body
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, resp)
}

func (f *fakePostgREST) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("No request recorded")
	}
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, fake *fakePostgREST, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/rest/v1/"
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestStages(t *testing.T) {
	fake := &fakePostgREST{body: `[{"id":1,"title":"Stage A"},{"id":2,"title":"Stage B"}]`}
	c := newTestClient(t, fake, Config{APIKey: "anon-key"})

	stages, err := c.Stages(context.Background())
	if err != nil {
		t.Fatalf("Stages failed: %v", err)
	}
	if len(stages) != 2 || stages[0].Title != "Stage A" {
		t.Errorf("Unexpected stages %+v", stages)
	}

	req := fake.last(t)
	if req.Method != http.MethodGet || req.Path != "/rest/v1/stages" {
		t.Errorf("Unexpected request %s %s", req.Method, req.Path)
	}
	if req.Header.Get("apikey") != "anon-key" || req.Header.Get("Authorization") != "Bearer anon-key" {
		t.Errorf("Missing auth headers: %v", req.Header)
	}
}

func TestSortiesForStageFilters(t *testing.T) {
	fake := &fakePostgREST{body: `[{"id":5,"stage_id":42,"title":"Morning"}]`}
	c := newTestClient(t, fake, Config{})

	sorties, err := c.SortiesForStage(42)(context.Background())
	if err != nil {
		t.Fatalf("SortiesForStage failed: %v", err)
	}
	if len(sorties) != 1 || sorties[0].StageID != 42 {
		t.Errorf("Unexpected sorties %+v", sorties)
	}
	if q := fake.last(t).Query; !strings.Contains(q, "stage_id=eq.42") {
		t.Errorf("Expected stage filter in query, got %s", q)
	}
}

func TestStatusErrorIsRemote(t *testing.T) {
	fake := &fakePostgREST{status: http.StatusServiceUnavailable, body: `{"message":"down"}`}
	c := newTestClient(t, fake, Config{})

	_, err := c.Stages(context.Background())
	if !errors.Is(err, proto.ErrRemote) {
		t.Fatalf("Expected ErrRemote, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected *StatusError with 503, got %v", err)
	}
}

func TestUnreachableIsRemote(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := c.Stages(context.Background()); !errors.Is(err, proto.ErrRemote) {
		t.Errorf("Expected ErrRemote, got %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.Stages(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	for _, base := range []string{"", "ftp://example.com"} {
		if _, err := NewClient(Config{BaseURL: base}); err == nil {
			t.Errorf("Expected error for base URL %q", base)
		}
	}
}

func TestAppliers(t *testing.T) {
	ctx := context.Background()
	fake := &fakePostgREST{status: http.StatusCreated}
	c := newTestClient(t, fake, Config{})
	appliers := c.Appliers()

	create, _ := NewEntityPayload(TableStages, "", Stage{ID: 9, Title: "New"})
	update, _ := NewEntityPayload(TableStages, "9", map[string]string{"title": "Renamed"})
	del, _ := NewEntityPayload(TableStages, "9", nil)

	cases := []struct {
		kind    proto.ActionKind
		payload EntityPayload
		method  string
		query   string
		body    string
	}{
		{proto.ActionKind_CREATE_ENTITY, create, http.MethodPost, "", `{"id":9,"title":"New"}`},
		{proto.ActionKind_UPDATE_ENTITY, update, http.MethodPatch, "id=eq.9", `{"title":"Renamed"}`},
		{proto.ActionKind_DELETE_ENTITY, del, http.MethodDelete, "id=eq.9", ""},
	}
	for _, tc := range cases {
		raw, _ := json.Marshal(tc.payload)
		action := proto.QueuedAction{ID: "a", Kind: tc.kind, Payload: raw}
		if err := appliers[tc.kind].Apply(ctx, action); err != nil {
			t.Fatalf("%s failed: %v", tc.kind, err)
		}
		req := fake.last(t)
		if req.Method != tc.method || req.Path != "/rest/v1/stages" || req.Query != tc.query {
			t.Errorf("%s: unexpected request %s %s?%s", tc.kind, req.Method, req.Path, req.Query)
		}
		if req.Body != tc.body {
			t.Errorf("%s: body = %s, want %s", tc.kind, req.Body, tc.body)
		}
	}

	if prefer := fake.requests[0].Header.Get("Prefer"); !strings.Contains(prefer, "resolution=merge-duplicates") {
		t.Errorf("Insert must be replay safe, Prefer = %q", prefer)
	}
}

func TestApplierRejectsBadPayload(t *testing.T) {
	c := newTestClient(t, &fakePostgREST{}, Config{})
	action := proto.QueuedAction{ID: "a", Kind: proto.ActionKind_UPDATE_ENTITY, Payload: json.RawMessage(`{"id":"1"}`)}

	if err := c.Appliers()[proto.ActionKind_UPDATE_ENTITY].Apply(context.Background(), action); !errors.Is(err, syncer.ErrInvalidPayload) {
		t.Errorf("Expected ErrInvalidPayload, got %v", err)
	}
}

func TestAppliersValidatePayloads(t *testing.T) {
	fake := &fakePostgREST{}
	c := newTestClient(t, fake, Config{})
	appliers := c.Appliers()

	cases := []struct {
		kind    proto.ActionKind
		payload string
		valid   bool
	}{
		{proto.ActionKind_CREATE_ENTITY, `{"table":"stages","data":{"title":"New"}}`, true},
		{proto.ActionKind_CREATE_ENTITY, `{"no_table":1}`, false},
		{proto.ActionKind_CREATE_ENTITY, `{"table":"stages"}`, false},
		{proto.ActionKind_CREATE_ENTITY, `{"table":"stages","data":null}`, false},
		{proto.ActionKind_CREATE_ENTITY, `"stages"`, false},
		{proto.ActionKind_UPDATE_ENTITY, `{"table":"stages","id":"9","data":{"title":"x"}}`, true},
		{proto.ActionKind_UPDATE_ENTITY, `{"table":"stages","data":{"title":"x"}}`, false},
		{proto.ActionKind_DELETE_ENTITY, `{"table":"stages","id":"9"}`, true},
		{proto.ActionKind_DELETE_ENTITY, `{"table":"stages"}`, false},
	}
	for _, tc := range cases {
		err := syncer.Validate(appliers[tc.kind], json.RawMessage(tc.payload))
		if tc.valid && err != nil {
			t.Errorf("%s %s: unexpected error %v", tc.kind, tc.payload, err)
		}
		if !tc.valid && !errors.Is(err, syncer.ErrInvalidPayload) {
			t.Errorf("%s %s: expected ErrInvalidPayload, got %v", tc.kind, tc.payload, err)
		}
	}
	if len(fake.requests) != 0 {
		t.Errorf("Validate must not call the remote, got %d requests", len(fake.requests))
	}
}

func TestSignedRoleToken(t *testing.T) {
	fake := &fakePostgREST{body: `[]`}
	secret := "a-test-secret-of-reasonable-length"
	c := newTestClient(t, fake, Config{APIKey: "anon-key", JWTSecret: secret, Role: "educator"})

	if _, err := c.Stages(context.Background()); err != nil {
		t.Fatalf("Stages failed: %v", err)
	}

	auth := fake.last(t).Header.Get("Authorization")
	raw := strings.TrimPrefix(auth, "Bearer ")
	var claims roleClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("Failed to verify token %q: %v", raw, err)
	}
	if claims.Role != "educator" {
		t.Errorf("Role claim = %q, want educator", claims.Role)
	}
}

func TestTokenIsCachedUntilNearExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	src := newTokenSource([]byte("secret"), "", func() time.Time { return now })

	first, _ := src.Token()
	now = now.Add(time.Minute)
	second, _ := src.Token()
	if first != second {
		t.Error("Expected cached token before expiry")
	}

	now = now.Add(tokenLifetime)
	third, _ := src.Token()
	if third == first {
		t.Error("Expected a fresh token after expiry")
	}
}
