package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/passkeyd/client/sessionstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticTokens struct {
	mu      sync.Mutex
	tok     string
	cleared int
}

func (s *staticTokens) Load() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, s.tok != ""
}

func (s *staticTokens) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = ""
	s.cleared++
}

func (s *staticTokens) set(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
}

func seg(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func testToken(id string) string {
	return seg(`{"alg":"ES256","typ":"JWT"}`) + "." +
		seg(`{"sub":"user-1","jti":"`+id+`","iat":1700000000,"exp":1800000000}`) + "." +
		seg("sig")
}

type countingServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newServer(t *testing.T, h func(w http.ResponseWriter, r *http.Request, n int32)) *countingServer {
	t.Helper()
	s := &countingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r, s.calls.Add(1))
	}))
	t.Cleanup(s.Close)
	return s
}

func newClient(t *testing.T, baseURL string, clock *testClock, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(baseURL)
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	cfg.Now = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestDo_RetriesServerErrorsUpToCeiling(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newClient(t, srv.URL, newTestClock(), nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/logout"})
	require.Error(t, err)
	assert.True(t, IsClass(err, ClassServerError))
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestDo_RecoversAfterTransientFailure(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, n int32) {
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, `{"ok":true}`)
	})
	c := newClient(t, srv.URL, newTestClock(), nil)

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, resp.Degraded)
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestDo_RateLimitedIsNotRetriedAndFailsFast(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	clock := newTestClock()
	c := newClient(t, srv.URL, clock, nil)
	req := Request{Method: http.MethodGet, Path: "/api/me"}

	_, err := c.Do(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsClass(err, ClassRateLimited))
	assert.Equal(t, int32(1), srv.calls.Load())

	clock.Advance(10 * time.Second)
	_, err = c.Do(context.Background(), req)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.Cached)
	assert.Equal(t, 50*time.Second, terr.RetryAfter)
	assert.Equal(t, int32(1), srv.calls.Load())

	clock.Advance(51 * time.Second)
	_, err = c.Do(context.Background(), req)
	require.ErrorAs(t, err, &terr)
	assert.False(t, terr.Cached)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestDo_RateLimitedHonorsFloor(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	clock := newTestClock()
	c := newClient(t, srv.URL, clock, nil)

	_, err := c.Do(context.Background(), Request{Path: "/x"})
	require.Error(t, err)

	clock.Advance(20 * time.Second)
	_, err = c.Do(context.Background(), Request{Path: "/x"})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.Cached)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestDo_ClientErrorIsNotRetried(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad","code":"invalid_request"}`))
	})
	c := newClient(t, srv.URL, newTestClock(), nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/x", Body: []byte(`{}`)})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ClassClientError, terr.Class)
	assert.Equal(t, http.StatusBadRequest, terr.Status)
	assert.Equal(t, "invalid_request", terr.Code())
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestDo_UnauthorizedClearsSessionStore(t *testing.T) {
	tok := testToken("s-1")
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		assert.Equal(t, "Bearer "+tok, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	})
	clock := newTestClock()
	store := sessionstore.New(sessionstore.NewMemoryStorage(), nil, sessionstore.Options{Device: "d", Now: clock.Now})
	require.NoError(t, store.Save(tok))

	c := newClient(t, srv.URL, clock, func(cfg *Config) { cfg.Tokens = store })

	_, err := c.Do(context.Background(), Request{Path: "/api/me"})
	assert.True(t, IsClass(err, ClassUnauthorized))
	assert.Equal(t, int32(1), srv.calls.Load())

	_, ok := store.Load()
	assert.False(t, ok)
}

func TestDo_UnauthorizedKeepsReplacedToken(t *testing.T) {
	tokens := &staticTokens{tok: testToken("old")}
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		tokens.set(testToken("new"))
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newClient(t, srv.URL, newTestClock(), func(cfg *Config) { cfg.Tokens = tokens })

	_, err := c.Do(context.Background(), Request{Path: "/api/me"})
	assert.True(t, IsClass(err, ClassUnauthorized))

	current, ok := tokens.Load()
	require.True(t, ok)
	assert.Equal(t, testToken("new"), current)
	assert.Zero(t, tokens.cleared)
}

func TestDo_NoAuthOmitsToken(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, `{}`)
	})
	tokens := &staticTokens{tok: testToken("s-1")}
	c := newClient(t, srv.URL, newTestClock(), func(cfg *Config) { cfg.Tokens = tokens })

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/login/start", NoAuth: true})
	require.NoError(t, err)
}

func TestDo_CachesReadsUntilTTL(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, n int32) {
		writeJSON(w, `{"n":`+string('0'+rune(n))+`}`)
	})
	clock := newTestClock()
	c := newClient(t, srv.URL, clock, nil)
	req := Request{Path: "/api/me"}

	first, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	clock.Advance(30 * time.Second)
	second, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), srv.calls.Load())

	clock.Advance(time.Second)
	third, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.JSONEq(t, `{"n":2}`, string(third.Body))

	_, err = c.Do(context.Background(), Request{Path: "/api/me", NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestDo_WritesAreNotCached(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		writeJSON(w, `{}`)
	})
	c := newClient(t, srv.URL, newTestClock(), nil)

	for range 2 {
		_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/session/refresh"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestDo_DedupesConcurrentReads(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		<-release
		writeJSON(w, `{"shared":true}`)
	})
	c := newClient(t, srv.URL, newTestClock(), nil)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Response, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Do(context.Background(), Request{Path: "/api/me"})
			assert.NoError(t, err)
			results[i] = resp
		}()
	}

	require.Eventually(t, func() bool { return srv.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), srv.calls.Load())
	for _, resp := range results {
		require.NotNil(t, resp)
		assert.JSONEq(t, `{"shared":true}`, string(resp.Body))
	}
}

func TestDo_DedupesConcurrentIdempotentWrites(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		<-release
		writeJSON(w, `{"valid":true}`)
	})
	c := newClient(t, srv.URL, newTestClock(), nil)

	req, err := JSONRequest(http.MethodPost, "/auth/session/restore", map[string]string{"token": "t"})
	require.NoError(t, err)
	req.Idempotent = true

	const callers = 5
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Do(context.Background(), req)
			if assert.NoError(t, err) {
				assert.JSONEq(t, `{"valid":true}`, string(resp.Body))
			}
		}()
	}

	require.Eventually(t, func() bool { return srv.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), srv.calls.Load())

	// shared but never cached
	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestDo_CallerCancelDoesNotAbortSharedRead(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		<-release
		writeJSON(w, `{}`)
	})
	c := newClient(t, srv.URL, newTestClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, Request{Path: "/api/me"})
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		resp, err := c.Do(context.Background(), Request{Path: "/api/me"})
		return err == nil && resp.FromCache
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestDo_DegradedFallback(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	var seen *Error
	c := newClient(t, srv.URL, newTestClock(), func(cfg *Config) {
		cfg.Degraded = func(_ Request, err *Error) (*Response, bool) {
			seen = err
			return &Response{Status: http.StatusOK, Body: []byte(`{"offline":true}`)}, true
		}
	})

	resp, err := c.Do(context.Background(), Request{Path: "/api/me"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.JSONEq(t, `{"offline":true}`, string(resp.Body))
	require.NotNil(t, seen)
	assert.Equal(t, ClassServerError, seen.Class)
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestDo_DegradedNotUsedForAuthFailures(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newClient(t, srv.URL, newTestClock(), func(cfg *Config) {
		cfg.Degraded = func(Request, *Error) (*Response, bool) {
			t.Fatal("degraded strategy must not run")
			return nil, false
		}
	})

	_, err := c.Do(context.Background(), Request{Path: "/api/me"})
	assert.True(t, IsClass(err, ClassUnauthorized))
}

func TestDo_NetworkFailureIsCachedBriefly(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	clock := newTestClock()
	c := newClient(t, url, clock, func(cfg *Config) { cfg.Retry.MaxAttempts = 1 })

	_, err := c.Do(context.Background(), Request{Path: "/api/me"})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ClassNetworkUnavailable, terr.Class)
	assert.False(t, terr.Cached)

	_, err = c.Do(context.Background(), Request{Path: "/api/me"})
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.Cached)

	clock.Advance(3 * time.Second)
	_, err = c.Do(context.Background(), Request{Path: "/api/me"})
	require.ErrorAs(t, err, &terr)
	assert.False(t, terr.Cached)
}

func TestDo_AttemptTimeout(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	c := newClient(t, srv.URL, newTestClock(), func(cfg *Config) {
		cfg.Timeout = 20 * time.Millisecond
		cfg.Retry.MaxAttempts = 2
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/slow"})
	assert.True(t, IsClass(err, ClassTimeout))
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestDo_Metrics(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request, n int32) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, `{}`)
	})
	m := NewMetrics(prometheus.NewRegistry())
	c := newClient(t, srv.URL, newTestClock(), func(cfg *Config) { cfg.Metrics = m })

	_, err := c.Do(context.Background(), Request{Path: "/api/me"})
	require.NoError(t, err)
	_, err = c.Do(context.Background(), Request{Path: "/api/me"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "cache_hit")))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-3", now))
}
