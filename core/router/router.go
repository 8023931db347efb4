// Package router dispatches named tool calls to registered remote tool
// servers over HTTP, with per-client rate limits and server credentials
// held outside the publicly inspectable state.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/errors"
	"github.com/adalundhe/viable/core/validation"
)

// Server is the public record of a registered tool server. AuthRef is an
// opaque reference into the router's private secret store; the raw
// credential is never held here.
type Server struct {
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	Tools        []string       `json:"tools"`
	AuthRef      string         `json:"auth_ref,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
}

func (s *Server) clone() *Server {
	copied := *s
	copied.Tools = append([]string(nil), s.Tools...)
	if s.Metadata != nil {
		meta := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		copied.Metadata = meta
	}
	return &copied
}

// ServerConfig is the registration input for a tool server.
type ServerConfig struct {
	Name     string
	URL      string
	Tools    []string
	Auth     *Auth
	Metadata map[string]any
}

// ToolInfo pairs a tool name with its owning server.
type ToolInfo struct {
	Tool   string `json:"tool"`
	Server string `json:"server"`
	URL    string `json:"url"`
}

// CallOptions tunes a single tool call.
type CallOptions struct {
	// ClientID attributes the call for rate limiting. Empty means the
	// shared "default" client.
	ClientID string

	// Timeout overrides the router's default per-call timeout.
	Timeout time.Duration
}

// Health classifies a health-check outcome.
type Health string

const (
	Healthy     Health = "healthy"
	Unhealthy   Health = "unhealthy"
	Unreachable Health = "unreachable"
)

// Stats is a snapshot of router counters.
type Stats struct {
	Servers     int   `json:"servers"`
	Tools       int   `json:"tools"`
	Calls       int64 `json:"calls"`
	Successes   int64 `json:"successes"`
	Failures    int64 `json:"failures"`
	RateLimited int64 `json:"rate_limited"`
}

// Router owns the server registry, the tool index, the private secret
// store, and the per-client rate counters.
type Router struct {
	mu        sync.RWMutex
	servers   map[string]*Server
	toolIndex map[string]string

	secrets    *secretStore
	limiter    *rateLimiter
	httpClient *http.Client
	cfg        config.RouterConfig
	production bool
	logger     *slog.Logger

	calls       atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithHTTPClient injects the outbound HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Router) { r.httpClient = client }
}

// WithProduction enables production URL validation (internal hosts
// rejected).
func WithProduction(production bool) Option {
	return func(r *Router) { r.production = production }
}

// New creates a router.
func New(cfg config.RouterConfig, logger *slog.Logger, opts ...Option) *Router {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 100
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		servers:    make(map[string]*Server),
		toolIndex:  make(map[string]string),
		secrets:    newSecretStore(),
		limiter:    newRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterServer validates the config, stores any credential in the
// private secret store, and merges the server's tools into the global tool
// index. A tool name colliding with another server's entry overwrites the
// index mapping: last registered wins.
func (r *Router) RegisterServer(cfg ServerConfig) (*Server, error) {
	if err := validation.Name(cfg.Name); err != nil {
		return nil, err
	}
	if err := validation.URL(cfg.URL, r.production); err != nil {
		return nil, err
	}
	if err := validation.Tools(cfg.Tools); err != nil {
		return nil, err
	}

	authRef := ""
	if cfg.Auth != nil && cfg.Auth.Type != AuthNone && cfg.Auth.Type != "" {
		authRef = r.secrets.put(*cfg.Auth)
	}

	server := &Server{
		Name:         cfg.Name,
		URL:          strings.TrimRight(cfg.URL, "/"),
		Tools:        append([]string(nil), cfg.Tools...),
		AuthRef:      authRef,
		Metadata:     cfg.Metadata,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[server.Name]; exists {
		if authRef != "" {
			r.secrets.revoke(authRef)
		}
		return nil, errors.Newf(errors.KindStateConflict, "server already registered: %s", server.Name)
	}

	r.servers[server.Name] = server
	for _, tool := range server.Tools {
		if owner, taken := r.toolIndex[tool]; taken && owner != server.Name {
			// Last-registered-wins is the documented contract; surface it
			// in the logs so operators can spot the collision.
			r.logger.Debug("tool index overwritten",
				"tool", tool, "previous", owner, "server", server.Name)
		}
		r.toolIndex[tool] = server.Name
	}

	return server.clone(), nil
}

// UnregisterServer removes a server, revokes its credential reference, and
// drops its tool-index entries.
func (r *Router) UnregisterServer(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[name]
	if !ok {
		return errors.Newf(errors.KindNotFound, "server not found: %s", name)
	}

	delete(r.servers, name)
	for _, tool := range server.Tools {
		if r.toolIndex[tool] == name {
			delete(r.toolIndex, tool)
		}
	}
	if server.AuthRef != "" {
		r.secrets.revoke(server.AuthRef)
	}
	return nil
}

// ListServers returns all registered servers sorted by name.
func (r *Router) ListServers() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Server, 0, len(r.servers))
	for _, server := range r.servers {
		result = append(result, server.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ListTools returns the tool index sorted by tool name.
func (r *Router) ListTools() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ToolInfo, 0, len(r.toolIndex))
	for tool, serverName := range r.toolIndex {
		url := ""
		if server, ok := r.servers[serverName]; ok {
			url = server.URL
		}
		result = append(result, ToolInfo{Tool: tool, Server: serverName, URL: url})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tool < result[j].Tool })
	return result
}

// GetTool resolves a tool name to its owning server.
func (r *Router) GetTool(name string) (ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	serverName, ok := r.toolIndex[name]
	if !ok {
		return ToolInfo{}, errors.Newf(errors.KindNotFound, "tool not found: %s", name)
	}
	url := ""
	if server, present := r.servers[serverName]; present {
		url = server.URL
	}
	return ToolInfo{Tool: name, Server: serverName, URL: url}, nil
}

// CallTool dispatches a tool call to its owning server. Every failure mode
// comes back as a typed error; an unexpected panic during dispatch is
// converted rather than propagated.
func (r *Router) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (result json.RawMessage, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Newf(errors.KindTransport, "tool dispatch panic: %v", recovered)
			r.failures.Add(1)
		}
	}()

	name = validation.SanitizeName(name)
	if name == "" {
		return nil, errors.New(errors.KindValidation, "tool name is empty after sanitization")
	}
	if err := validation.ArgsSize(args); err != nil {
		return nil, err
	}

	r.mu.RLock()
	serverName, toolKnown := r.toolIndex[name]
	var server *Server
	if toolKnown {
		server = r.servers[serverName]
	}
	r.mu.RUnlock()

	if !toolKnown {
		return nil, errors.Newf(errors.KindNotFound, "tool not found: %s", name)
	}
	if server == nil {
		// Unreachable while index updates stay single-writer; kept as a
		// distinct error for defense.
		return nil, errors.Newf(errors.KindNotFound, "server not found: %s", serverName)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "default"
	}
	if !r.limiter.allow(clientID) {
		r.rateLimited.Add(1)
		return nil, errors.Newf(errors.KindExhausted, "rate limited: client %s", clientID).
			WithRetryAfter(time.Minute)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	r.calls.Add(1)
	started := time.Now()
	body, callErr := r.dispatch(ctx, server, name, args, timeout)
	elapsed := time.Since(started)

	if callErr != nil {
		r.failures.Add(1)
		r.logger.Debug("tool call failed",
			"tool", name, "server", server.Name, "duration", elapsed, "error", callErr)
		return nil, callErr
	}

	r.successes.Add(1)
	r.logger.Debug("tool call completed",
		"tool", name, "server", server.Name, "duration", elapsed)
	return body, nil
}

// dispatch builds and issues the outbound request. The credential
// reference resolves to plaintext only here, immediately before the
// request is constructed, and is never logged.
func (r *Router) dispatch(ctx context.Context, server *Server, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{"arguments": args})
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, "encode arguments", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/tools/%s", server.URL, tool)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if server.AuthRef != "" {
		sec, ok := r.secrets.resolve(server.AuthRef)
		if !ok {
			return nil, errors.Newf(errors.KindTransport, "credential reference missing for server %s", server.Name)
		}
		switch sec.authType {
		case AuthBearer:
			req.Header.Set("Authorization", "Bearer "+sec.value)
		case AuthAPIKey:
			req.Header.Set(sec.header, sec.value)
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Newf(errors.KindTimeout, "tool call timed out after %s", timeout)
		}
		return nil, errors.Wrap(errors.KindTransport, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransport, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf(errors.KindTransport, "tool server returned %d", resp.StatusCode).
			WithStatus(resp.StatusCode, string(body))
	}

	return json.RawMessage(body), nil
}

// HealthCheck issues a GET to the server's health endpoint with a short
// fixed timeout and classifies the outcome.
func (r *Router) HealthCheck(ctx context.Context, serverName string) (Health, error) {
	r.mu.RLock()
	server, ok := r.servers[serverName]
	r.mu.RUnlock()
	if !ok {
		return Unreachable, errors.Newf(errors.KindNotFound, "server not found: %s", serverName)
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, server.URL+"/health", nil)
	if err != nil {
		return Unreachable, errors.Wrap(errors.KindTransport, "build health request", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Unreachable, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		return Healthy, nil
	}
	return Unhealthy, nil
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	servers := len(r.servers)
	tools := len(r.toolIndex)
	r.mu.RUnlock()

	return Stats{
		Servers:     servers,
		Tools:       tools,
		Calls:       r.calls.Load(),
		Successes:   r.successes.Load(),
		Failures:    r.failures.Load(),
		RateLimited: r.rateLimited.Load(),
	}
}

// Close stops the rate-limit reset loop.
func (r *Router) Close() {
	r.limiter.stop()
}
