package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// callbackLinger is how long the listener stays up after handling the
// callback, so the browser receives the response page before sockets are
// force-closed.
const callbackLinger = 100 * time.Millisecond

// CallbackResult holds the parameters delivered to the redirect URI.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackServer is a one-shot loopback HTTP listener for the OAuth
// redirect. It binds the exact host and port of the redirect URI, accepts
// only the redirect path, captures the first callback, and tears itself
// down shortly after responding.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	result   chan CallbackResult
	addr     string
	path     string

	once    sync.Once
	closed  chan struct{}
	closeMu sync.Mutex
}

// NewCallbackServer binds a listener for the given redirect URI. A port
// that is already in use is a fatal error reported to the caller; no
// alternative port is probed.
func NewCallbackServer(redirectURI string) (*CallbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect URI: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	addr := net.JoinHostPort(host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("callback port busy: listen on %s: %w", addr, err)
	}

	cs := &CallbackServer{
		listener: listener,
		result:   make(chan CallbackResult, 1),
		addr:     listener.Addr().String(),
		path:     path,
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, cs.handle)
	cs.server = &http.Server{Handler: mux}

	go func() { _ = cs.server.Serve(listener) }()
	return cs, nil
}

// Addr returns the bound host:port.
func (s *CallbackServer) Addr() string {
	return s.addr
}

// Wait blocks until the callback arrives or the context is cancelled.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.result:
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close force-closes the listener and any in-flight connections.
// Safe to call multiple times.
func (s *CallbackServer) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return s.server.Close()
}

func (s *CallbackServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	result := CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	first := false
	s.once.Do(func() {
		first = true
		s.result <- result
		// Let the response flush, then force-close.
		time.AfterFunc(callbackLinger, func() { _ = s.Close() })
	})
	if !first {
		http.Error(w, "authorization already completed", http.StatusConflict)
		return
	}

	if result.Error != "" || result.Code == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>mcpgate - Authorization Failed</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization Failed</h1>
<p>%s</p>
<p>%s</p>
<p>You can close this window.</p>
</body>
</html>`, result.Error, result.ErrorDescription)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>mcpgate - Authorization Complete</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization Complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`)
}
