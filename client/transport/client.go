// Package transport is the resilient client pipeline every outbound call
// goes through: auth injection, response and error caching, request
// dedupe, bounded retry and an optional degraded-mode fallback.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

const maxBodyBytes = 4 << 20

// TokenSource is the read side of the session store plus its single
// forgetting entrypoint
type TokenSource interface {
	Load() (string, bool)
	Clear()
}

// Request is one outbound call
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header

	NoAuth  bool // do not attach the session token
	NoCache bool // bypass the response cache

	// Idempotent marks a write that is safe to repeat. Identical idempotent
	// writes in flight share one call like reads do; they are never cached.
	Idempotent bool
}

// JSONRequest builds a request with v marshalled as the body
func JSONRequest(method, path string, v any) (Request, error) {
	req := Request{Method: method, Path: path}
	if v != nil {
		body, err := json.Marshal(v)
		if err != nil {
			return req, err
		}
		req.Body = body
	}
	return req, nil
}

// Response is a completed call. Degraded responses were produced locally
// by the degraded strategy and never came from the server.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Degraded  bool
	FromCache bool
}

// JSON decodes the body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

func (r *Response) clone() *Response {
	cp := *r
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}

// DegradedStrategy may substitute a response once retries are exhausted
type DegradedStrategy func(req Request, err *Error) (*Response, bool)

// RetryPolicy bounds in-loop retries of retryable classes
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// CachePolicy controls the read-only response cache. A zero TTL disables it.
type CachePolicy struct {
	TTL        time.Duration
	MaxEntries int
}

// ErrorCachePolicy sets how long a failure class fails fast
type ErrorCachePolicy struct {
	Network     time.Duration
	Timeout     time.Duration
	ServerError time.Duration
	RateLimited time.Duration // floor; a longer Retry-After wins
}

func (p ErrorCachePolicy) ttl(e *Error) time.Duration {
	switch e.Class {
	case ClassNetworkUnavailable:
		return p.Network
	case ClassTimeout:
		return p.Timeout
	case ClassServerError:
		return max(p.ServerError, e.RetryAfter)
	case ClassRateLimited:
		return max(p.RateLimited, e.RetryAfter)
	default:
		return 0
	}
}

// Config assembles the pipeline policies
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration // per attempt
	Tokens     TokenSource
	Cache      CachePolicy
	Retry      RetryPolicy
	ErrorCache ErrorCachePolicy
	Degraded   DegradedStrategy
	Metrics    *Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultConfig returns the production policies for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
		Cache:   CachePolicy{TTL: 30 * time.Second, MaxEntries: 256},
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     4 * time.Second,
			Multiplier:      2,
		},
		ErrorCache: ErrorCachePolicy{
			Network:     2 * time.Second,
			Timeout:     2 * time.Second,
			ServerError: 5 * time.Second,
			RateLimited: 30 * time.Second,
		},
	}
}

// Client runs every call through the pipeline
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *responseCache
	errs   *errorCache
	flight singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// New creates a client from cfg
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		cache:  newResponseCache(cfg.Cache.TTL, cfg.Cache.MaxEntries),
		errs:   newErrorCache(),
		logger: cfg.Logger.With("component", "transport"),
		now:    cfg.Now,
	}
}

// Do sends req through the pipeline
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := c.now()
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	defer func() { c.cfg.Metrics.observe(req.Method, c.now().Sub(start)) }()

	var tok string
	if !req.NoAuth && c.cfg.Tokens != nil {
		tok, _ = c.cfg.Tokens.Load()
	}
	key := signature(req, tok)
	readOnly := req.Method == http.MethodGet || req.Method == http.MethodHead

	if readOnly && !req.NoCache {
		if resp, ok := c.cache.get(key, start); ok {
			c.cfg.Metrics.outcome(req.Method, "cache_hit")
			resp.FromCache = true
			return resp, nil
		}
	}

	if cached, ok := c.errs.get(key, start); ok {
		c.cfg.Metrics.outcome(req.Method, "fail_fast")
		return c.fail(req, cached)
	}

	if !readOnly && !req.Idempotent {
		resp, err := c.execute(ctx, req, tok, key, false)
		if err != nil {
			return c.fail(req, err)
		}
		return resp, nil
	}

	// identical reads in flight share one call and one retry budget;
	// a caller giving up does not cancel it for the others
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		return c.execute(shared, req, tok, key, readOnly)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return c.fail(req, res.Err)
		}
		return res.Val.(*Response).clone(), nil
	}
}

// execute performs the attempts and applies the outcome to shared state
func (c *Client) execute(ctx context.Context, req Request, tok, key string, readOnly bool) (*Response, error) {
	operation := func() (*Response, error) {
		resp, err := c.attempt(ctx, req, tok)
		if err != nil {
			if !err.Class.Retryable() {
				return nil, backoff.Permanent(error(err))
			}
			return nil, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.cfg.Retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.cfg.Metrics.retry()
			c.logger.Debug("retrying request", "method", req.Method, "path", req.Path, "in", next, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var terr *Error
		if !errors.As(err, &terr) {
			terr = &Error{Class: ClassNetworkUnavailable, Err: err}
		}
		c.applyFailure(req, tok, key, terr)
		return nil, terr
	}

	c.errs.delete(key)
	if readOnly {
		c.cache.put(key, resp, c.now())
	}
	c.cfg.Metrics.outcome(req.Method, "ok")
	return resp, nil
}

func (c *Client) applyFailure(req Request, tok, key string, err *Error) {
	c.cfg.Metrics.outcome(req.Method, err.Class.String())

	if err.Class == ClassUnauthorized && tok != "" && c.cfg.Tokens != nil {
		// only forget the session this request was made with
		if current, ok := c.cfg.Tokens.Load(); ok && current == tok {
			c.logger.Info("session rejected by server, clearing", "path", req.Path)
			c.cfg.Tokens.Clear()
		}
		c.cache.clear()
	}

	if ttl := c.cfg.ErrorCache.ttl(err); ttl > 0 {
		err.RetryAfter = ttl
		c.errs.put(key, err, ttl, c.now())
	}
	c.logger.Debug("request failed", "method", req.Method, "path", req.Path, "class", err.Class, "status", err.Status)
}

// fail hands retryable failures to the degraded strategy, if any
func (c *Client) fail(req Request, err error) (*Response, error) {
	var terr *Error
	if c.cfg.Degraded != nil && errors.As(err, &terr) && (terr.Class.Retryable() || terr.Class == ClassRateLimited) {
		if resp, ok := c.cfg.Degraded(req, terr); ok && resp != nil {
			resp = resp.clone()
			resp.Degraded = true
			c.cfg.Metrics.outcome(req.Method, "degraded")
			return resp, nil
		}
	}
	return nil, err
}

func (c *Client) attempt(ctx context.Context, req Request, tok string) (*Response, *Error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, c.cfg.BaseURL+req.Path, body)
	if err != nil {
		return nil, &Error{Class: ClassClientError, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classify(err)
	}

	if resp.StatusCode >= 400 {
		return nil, statusError(resp, data, c.now())
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.Retry.InitialInterval > 0 {
		b.InitialInterval = c.cfg.Retry.InitialInterval
	}
	if c.cfg.Retry.MaxInterval > 0 {
		b.MaxInterval = c.cfg.Retry.MaxInterval
	}
	if c.cfg.Retry.Multiplier > 0 {
		b.Multiplier = c.cfg.Retry.Multiplier
	}
	b.Reset()
	return b
}

func classify(err error) *Error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &Error{Class: ClassTimeout, Err: err}
	}
	return &Error{Class: ClassNetworkUnavailable, Err: err}
}

// signature identifies identical requests made with the same session
func signature(req Request, tok string) string {
	h := blake3.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.Path))
	h.Write([]byte{0})
	h.Write(req.Body)
	h.Write([]byte{0})
	h.Write([]byte(tok))
	return hex.EncodeToString(h.Sum(nil))
}

// Purge drops every cached response and failure, e.g. after the session changed
func (c *Client) Purge() {
	c.cache.clear()
	c.errs.clear()
}
