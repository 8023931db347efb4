package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/errors"
)

func newTestRouter(t *testing.T, rateLimit int) *Router {
	t.Helper()
	r := New(config.RouterConfig{
		DefaultTimeout:     5 * time.Second,
		RateLimitPerMinute: rateLimit,
		HealthTimeout:      time.Second,
	}, nil)
	t.Cleanup(r.Close)
	return r
}

// toolServer is an httptest harness recording the headers of each call.
type toolServer struct {
	*httptest.Server

	mu      sync.Mutex
	headers []http.Header
}

func newToolServer(t *testing.T, status int, body string) *toolServer {
	t.Helper()
	ts := &toolServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.headers = append(ts.headers, r.Header.Clone())
		ts.mu.Unlock()

		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *toolServer) lastHeaders() http.Header {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.headers) == 0 {
		return nil
	}
	return ts.headers[len(ts.headers)-1]
}

func TestRegisterServer_Validation(t *testing.T) {
	r := newTestRouter(t, 100)

	cases := map[string]ServerConfig{
		"bad name": {Name: "my server", URL: "http://x.test", Tools: []string{"a"}},
		"bad url":  {Name: "srv", URL: "ftp://x.test", Tools: []string{"a"}},
		"no tools": {Name: "srv", URL: "http://x.test"},
		"bad tool": {Name: "srv", URL: "http://x.test", Tools: []string{"a b"}},
	}
	for label, cfg := range cases {
		if _, err := r.RegisterServer(cfg); err == nil {
			t.Errorf("RegisterServer(%s) should fail", label)
		}
	}
	if stats := r.Stats(); stats.Servers != 0 {
		t.Errorf("failed registrations should not store servers, got %d", stats.Servers)
	}
}

func TestRegisterServer_DuplicateName(t *testing.T) {
	r := newTestRouter(t, 100)

	cfg := ServerConfig{Name: "srv", URL: "http://x.test", Tools: []string{"a"}}
	if _, err := r.RegisterServer(cfg); err != nil {
		t.Fatalf("first registration error: %v", err)
	}
	if _, err := r.RegisterServer(cfg); !errors.IsKind(err, errors.KindStateConflict) {
		t.Errorf("duplicate registration should be state_conflict, got %v", err)
	}
}

func TestRegisterServer_AuthNeverExposed(t *testing.T) {
	r := newTestRouter(t, 100)

	server, err := r.RegisterServer(ServerConfig{
		Name:  "secure",
		URL:   "http://x.test",
		Tools: []string{"a"},
		Auth:  &Auth{Type: AuthBearer, Token: "super-secret-token"},
	})
	if err != nil {
		t.Fatalf("RegisterServer error: %v", err)
	}

	if server.AuthRef == "" {
		t.Fatal("auth registration should produce a reference")
	}
	if strings.Contains(server.AuthRef, "super-secret-token") {
		t.Error("auth reference must not contain the raw token")
	}

	// Neither server listings nor the tool index may leak the secret.
	encoded, err := json.Marshal(r.ListServers())
	if err != nil {
		t.Fatalf("marshal servers: %v", err)
	}
	if strings.Contains(string(encoded), "super-secret-token") {
		t.Error("ListServers output leaked the raw token")
	}

	info, err := r.GetTool("a")
	if err != nil {
		t.Fatalf("GetTool error: %v", err)
	}
	encoded, _ = json.Marshal(info)
	if strings.Contains(string(encoded), "super-secret-token") {
		t.Error("GetTool output leaked the raw token")
	}
}

func TestToolIndex_LastRegisteredWins(t *testing.T) {
	r := newTestRouter(t, 100)

	first := newToolServer(t, http.StatusOK, `{"from":"first"}`)
	second := newToolServer(t, http.StatusOK, `{"from":"second"}`)

	if _, err := r.RegisterServer(ServerConfig{Name: "first", URL: first.URL, Tools: []string{"shared"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterServer(ServerConfig{Name: "second", URL: second.URL, Tools: []string{"shared"}}); err != nil {
		t.Fatal(err)
	}

	info, err := r.GetTool("shared")
	if err != nil {
		t.Fatalf("GetTool error: %v", err)
	}
	if info.Server != "second" {
		t.Errorf("tool owner = %q, want second (last registered wins)", info.Server)
	}
}

func TestUnregisterServer_DropsOwnedIndexEntriesOnly(t *testing.T) {
	r := newTestRouter(t, 100)

	if _, err := r.RegisterServer(ServerConfig{Name: "a", URL: "http://a.test", Tools: []string{"shared", "only-a"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterServer(ServerConfig{Name: "b", URL: "http://b.test", Tools: []string{"shared"}}); err != nil {
		t.Fatal(err)
	}

	// "shared" now belongs to b; unregistering a must not remove it.
	if err := r.UnregisterServer("a"); err != nil {
		t.Fatalf("UnregisterServer error: %v", err)
	}

	if _, err := r.GetTool("only-a"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("only-a should be gone, got %v", err)
	}
	info, err := r.GetTool("shared")
	if err != nil {
		t.Fatalf("shared should survive: %v", err)
	}
	if info.Server != "b" {
		t.Errorf("shared owner = %q, want b", info.Server)
	}
}

func TestCallTool_Success(t *testing.T) {
	r := newTestRouter(t, 100)
	ts := newToolServer(t, http.StatusOK, `{"result":42}`)

	if _, err := r.RegisterServer(ServerConfig{Name: "srv", URL: ts.URL, Tools: []string{"calc"}}); err != nil {
		t.Fatal(err)
	}

	body, err := r.CallTool(context.Background(), "calc", map[string]any{"x": 1}, CallOptions{})
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if decoded["result"] != float64(42) {
		t.Errorf("result = %v, want 42", decoded["result"])
	}

	stats := r.Stats()
	if stats.Calls != 1 || stats.Successes != 1 || stats.Failures != 0 {
		t.Errorf("stats = %+v, want one successful call", stats)
	}
}

func TestCallTool_AuthHeaders(t *testing.T) {
	r := newTestRouter(t, 100)
	ts := newToolServer(t, http.StatusOK, `{}`)

	if _, err := r.RegisterServer(ServerConfig{
		Name:  "bearer-srv",
		URL:   ts.URL,
		Tools: []string{"bearer-tool"},
		Auth:  &Auth{Type: AuthBearer, Token: "tok-123"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CallTool(context.Background(), "bearer-tool", nil, CallOptions{}); err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if got := ts.lastHeaders().Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}

	if _, err := r.RegisterServer(ServerConfig{
		Name:  "apikey-srv",
		URL:   ts.URL,
		Tools: []string{"apikey-tool"},
		Auth:  &Auth{Type: AuthAPIKey, Token: "key-456", Header: "X-Custom-Key"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CallTool(context.Background(), "apikey-tool", nil, CallOptions{}); err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if got := ts.lastHeaders().Get("X-Custom-Key"); got != "key-456" {
		t.Errorf("X-Custom-Key = %q, want key-456", got)
	}
}

func TestCallTool_ToolNotFound(t *testing.T) {
	r := newTestRouter(t, 100)

	_, err := r.CallTool(context.Background(), "ghost", nil, CallOptions{})
	if !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("unknown tool should be not_found, got %v", err)
	}
}

func TestCallTool_SanitizesName(t *testing.T) {
	r := newTestRouter(t, 100)
	ts := newToolServer(t, http.StatusOK, `{}`)

	if _, err := r.RegisterServer(ServerConfig{Name: "srv", URL: ts.URL, Tools: []string{"calc"}}); err != nil {
		t.Fatal(err)
	}

	// Stripped characters leave a valid routing key behind.
	if _, err := r.CallTool(context.Background(), "ca lc!", nil, CallOptions{}); err != nil {
		t.Errorf("sanitized name should resolve, got %v", err)
	}
	if _, err := r.CallTool(context.Background(), "!!!", nil, CallOptions{}); !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("fully stripped name should fail validation, got %v", err)
	}
}

func TestCallTool_Non2xx(t *testing.T) {
	r := newTestRouter(t, 100)
	ts := newToolServer(t, http.StatusBadGateway, `upstream broke`)

	if _, err := r.RegisterServer(ServerConfig{Name: "srv", URL: ts.URL, Tools: []string{"calc"}}); err != nil {
		t.Fatal(err)
	}

	_, err := r.CallTool(context.Background(), "calc", nil, CallOptions{})
	if err == nil {
		t.Fatal("non-2xx should fail")
	}

	var typed *errors.Error
	if !errors.IsKind(err, errors.KindTransport) {
		t.Fatalf("error kind = %v, want transport", errors.KindOf(err))
	}
	if e, ok := err.(*errors.Error); ok {
		typed = e
	} else {
		t.Fatalf("expected *errors.Error, got %T", err)
	}
	if typed.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", typed.StatusCode)
	}
	if !strings.Contains(typed.Body, "upstream broke") {
		t.Errorf("body = %q, want upstream text", typed.Body)
	}
}

func TestCallTool_TimeoutIsDistinctKind(t *testing.T) {
	r := newTestRouter(t, 100)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	if _, err := r.RegisterServer(ServerConfig{Name: "slow", URL: slow.URL, Tools: []string{"wait"}}); err != nil {
		t.Fatal(err)
	}

	_, err := r.CallTool(context.Background(), "wait", nil, CallOptions{Timeout: 50 * time.Millisecond})
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Errorf("timeout should surface as timeout kind, got %v", err)
	}
}

func TestCallTool_RateLimit(t *testing.T) {
	r := newTestRouter(t, 2)
	ts := newToolServer(t, http.StatusOK, `{}`)

	if _, err := r.RegisterServer(ServerConfig{Name: "srv", URL: ts.URL, Tools: []string{"calc"}}); err != nil {
		t.Fatal(err)
	}

	opts := CallOptions{ClientID: "client-a"}
	for i := 0; i < 2; i++ {
		if _, err := r.CallTool(context.Background(), "calc", nil, opts); err != nil {
			t.Fatalf("call %d error: %v", i, err)
		}
	}

	_, err := r.CallTool(context.Background(), "calc", nil, opts)
	if !errors.IsKind(err, errors.KindExhausted) {
		t.Fatalf("over-limit call should be exhausted, got %v", err)
	}

	// Other clients keep their own budget.
	if _, err := r.CallTool(context.Background(), "calc", nil, CallOptions{ClientID: "client-b"}); err != nil {
		t.Errorf("separate client should not be limited: %v", err)
	}

	if stats := r.Stats(); stats.RateLimited != 1 {
		t.Errorf("rate limited count = %d, want 1", stats.RateLimited)
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter := newRateLimiter(1, 50*time.Millisecond)
	defer limiter.stop()

	if !limiter.allow("c") {
		t.Fatal("first call should pass")
	}
	if limiter.allow("c") {
		t.Fatal("second call should be limited")
	}

	time.Sleep(120 * time.Millisecond)
	if !limiter.allow("c") {
		t.Error("counter should reset after the window elapses")
	}
}

func TestHealthCheck_Classification(t *testing.T) {
	r := newTestRouter(t, 100)

	healthy := newToolServer(t, http.StatusOK, ``)
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(unhealthy.Close)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	for name, url := range map[string]string{
		"healthy-srv":   healthy.URL,
		"unhealthy-srv": unhealthy.URL,
		"dead-srv":      deadURL,
	} {
		if _, err := r.RegisterServer(ServerConfig{Name: name, URL: url, Tools: []string{"t"}}); err != nil {
			t.Fatal(err)
		}
	}

	if got, err := r.HealthCheck(context.Background(), "healthy-srv"); err != nil || got != Healthy {
		t.Errorf("healthy-srv = %v (%v), want healthy", got, err)
	}
	if got, err := r.HealthCheck(context.Background(), "unhealthy-srv"); err != nil || got != Unhealthy {
		t.Errorf("unhealthy-srv = %v (%v), want unhealthy", got, err)
	}
	if got, err := r.HealthCheck(context.Background(), "dead-srv"); err != nil || got != Unreachable {
		t.Errorf("dead-srv = %v (%v), want unreachable", got, err)
	}
	if _, err := r.HealthCheck(context.Background(), "missing"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("missing server should be not_found, got %v", err)
	}
}
