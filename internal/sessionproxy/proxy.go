// Package sessionproxy fronts the internal tool-handler port with a reverse
// proxy that binds MCP sessions to agent identities and stamps the acting
// agent into JSON-RPC tool calls.
package sessionproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"
)

const (
	agentIDHeader   = "X-Agent-Id"
	sessionIDHeader = "Mcp-Session-Id"

	// injectedAgentKey is appended to params.arguments of tools/call
	// requests so handlers can recover the caller.
	injectedAgentKey = "__injected_agent_id"
)

// Proxy is the session-aware reverse proxy.
type Proxy struct {
	sessions *Sessions
	upstream *url.URL
	inner    *httputil.ReverseProxy
	server   *http.Server

	stopCh chan struct{}
}

// New creates a Proxy forwarding to upstreamURL.
func New(upstreamURL string, sessions *Sessions) (*Proxy, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		sessions: sessions,
		upstream: target,
		stopCh:   make(chan struct{}),
	}
	p.inner = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
		},
		ModifyResponse: p.captureSession,
		FlushInterval:  -1, // stream bodies through unbuffered
	}
	return p, nil
}

// ServeHTTP captures session headers, rewrites tool calls, and forwards.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(agentIDHeader)
	sessionID := r.Header.Get(sessionIDHeader)

	if agentID != "" {
		p.sessions.Bind(sessionID, agentID)
	} else if sessionID != "" {
		// Requests mid-session usually omit the agent header; the map
		// remembers who opened the session.
		agentID, _ = p.sessions.AgentFor(sessionID)
	}

	if agentID != "" && r.Body != nil {
		p.injectAgent(r, agentID)
	}

	p.inner.ServeHTTP(w, r)
}

// injectAgent rewrites JSON-RPC tools/call bodies to carry the acting agent
// inside params.arguments. Non-matching bodies pass through untouched.
func (p *Proxy) injectAgent(r *http.Request, agentID string) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return
	}
	restore := func(b []byte) {
		r.Body = io.NopCloser(bytes.NewReader(b))
		r.ContentLength = int64(len(b))
		r.Header.Set("Content-Length", strconv.Itoa(len(b)))
	}

	var rpc map[string]any
	if err := json.Unmarshal(body, &rpc); err != nil {
		restore(body)
		return
	}
	method, _ := rpc["method"].(string)
	if method != "tools/call" {
		restore(body)
		return
	}

	params, _ := rpc["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
		rpc["params"] = params
	}
	args, _ := params["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
		params["arguments"] = args
	}
	args[injectedAgentKey] = agentID

	rewritten, err := json.Marshal(rpc)
	if err != nil {
		restore(body)
		return
	}
	slog.Debug("tool call stamped with agent", "agent", agentID)
	restore(rewritten)
}

// captureSession binds a session id issued by the upstream in the response
// to the agent that made the request.
func (p *Proxy) captureSession(resp *http.Response) error {
	sessionID := resp.Header.Get(sessionIDHeader)
	if sessionID == "" || resp.Request == nil {
		return nil
	}
	agentID := resp.Request.Header.Get(agentIDHeader)
	if agentID == "" {
		return nil
	}
	p.sessions.Bind(sessionID, agentID)
	slog.Debug("session bound", "session", sessionID, "agent", agentID)
	return nil
}

// Start serves the proxy on addr and sweeps expired sessions in the
// background until Shutdown.
func (p *Proxy) Start(addr string) error {
	p.server = &http.Server{Addr: addr, Handler: p}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.sessions.Sweep()
			}
		}
	}()

	slog.Info("session proxy listening", "addr", addr, "upstream", p.upstream.String())
	err := p.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the proxy gracefully.
func (p *Proxy) Shutdown(ctx context.Context) error {
	close(p.stopCh)
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}
