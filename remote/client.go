// Package remote is a small client for the PostgREST-style HTTP API in front
// of the remote relational store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/luoyjx/tidesync/proto"
)

// DefaultTimeout bounds every request
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept
const maxErrorBody = 4 << 10

// Config for Client
type Config struct {
	BaseURL string
	// APIKey is sent as the apikey header, and as the bearer token unless
	// JWTSecret is set.
	APIKey string
	// JWTSecret, when set, signs a short-lived token carrying Role for every
	// request.
	JWTSecret  string
	Role       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// StatusError is a non-2xx response
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client talks to the remote store. All errors it returns wrap
// proto.ErrRemote.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	tokens     *tokenSource
	timeout    time.Duration
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient validates cfg and creates a client
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote base URL must be http or https, got %q", cfg.BaseURL)
	}

	c := &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if cfg.JWTSecret != "" {
		c.tokens = newTokenSource([]byte(cfg.JWTSecret), cfg.Role, time.Now)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c, nil
}

// Filter is a PostgREST column filter such as id=eq.42
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Eq is the common equality filter
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: "eq", Value: value}
}

// List decodes all rows of table matching filters into dest
func (c *Client) List(ctx context.Context, table string, dest any, filters ...Filter) error {
	q := url.Values{}
	for _, f := range filters {
		q.Add(f.Column, f.Op+"."+f.Value)
	}
	q.Set("order", "id.asc")
	return c.do(ctx, "list "+table, http.MethodGet, table, q, nil, "", dest)
}

// Insert creates row in table. Replaying an insert whose row carries a
// primary key merges into the existing row, so at-least-once delivery does
// not create duplicates.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	return c.do(ctx, "insert "+table, http.MethodPost, table, nil, row,
		"return=minimal,resolution=merge-duplicates", nil)
}

// Update patches the row of table with the given id
func (c *Client) Update(ctx context.Context, table, id string, row any) error {
	if id == "" {
		return proto.NewRemoteError("update "+table, errors.New("row id is required"))
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	return c.do(ctx, "update "+table, http.MethodPatch, table, q, row, "return=minimal", nil)
}

// Delete removes the row of table with the given id
func (c *Client) Delete(ctx context.Context, table, id string) error {
	if id == "" {
		return proto.NewRemoteError("delete "+table, errors.New("row id is required"))
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	return c.do(ctx, "delete "+table, http.MethodDelete, table, q, nil, "return=minimal", nil)
}

func (c *Client) do(ctx context.Context, op, method, table string, query url.Values, body any, prefer string, dest any) error {
	err := c.roundTrip(ctx, method, table, query, body, prefer, dest)
	return proto.NewRemoteError(op, err)
}

func (c *Client) roundTrip(ctx context.Context, method, table string, query url.Values, body any, prefer string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = u.Path + "/" + url.PathEscape(table)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if err := c.authorize(req); err != nil {
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			URL:        u.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s response: %w", table, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return nil
}
