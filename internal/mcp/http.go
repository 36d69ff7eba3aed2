package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apelabs/ape/internal/observability"
)

// sseKeepAlive is the idle heartbeat interval for SSE connections.
const sseKeepAlive = 15 * time.Second

// HTTPTransport serves JSON-RPC over POST /mcp and an SSE event stream
// on GET /sse, plus /metrics and /healthz.
type HTTPTransport struct {
	server   *Server
	logger   *observability.Logger
	gatherer prometheus.Gatherer
	httpSrv  *http.Server
}

// NewHTTPTransport builds the transport listening on addr.
func NewHTTPTransport(server *Server, addr string, gatherer prometheus.Gatherer, logger *observability.Logger) *HTTPTransport {
	t := &HTTPTransport{server: server, logger: logger, gatherer: gatherer}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", t.handleRPC)
	mux.HandleFunc("/sse", t.handleSSE)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	t.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

// Serve blocks until the context is cancelled or the listener fails.
func (t *HTTPTransport) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Handler exposes the mux for tests.
func (t *HTTPTransport) Handler() http.Handler {
	return t.httpSrv.Handler
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}

	resp := t.server.Dispatch(r.Context(), req)
	writeJSON(w, resp)
}

// handleSSE holds the connection open, announcing the endpoint and
// heartbeating until the client goes away. Requests still arrive via
// POST /mcp; the stream exists so clients can detect liveness.
func (t *HTTPTransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: endpoint\ndata: /mcp\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}
