// Package rpctest serves a scripted Solana JSON-RPC endpoint for tests.
package rpctest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Handler answers one RPC method. Returning a non-nil error yields a
// JSON-RPC error object.
type Handler func(params []json.RawMessage) (any, *Error)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Server struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []string
}

func NewServer(t testing.TB, handlers map[string]Handler) *Server {
	t.Helper()
	s := &Server{handlers: handlers}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Calls returns the RPC methods received so far, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Server) Called(method string) bool {
	for _, c := range s.Calls() {
		if c == method {
			return true
		}
	}
	return false
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, req.Method)
	h := s.handlers[req.Method]
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if h == nil {
		resp["error"] = Error{Code: -32601, Message: "method not found: " + req.Method}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Value wraps v in the {context, value} envelope most RPC methods use.
func Value(v any) map[string]any {
	return map[string]any{"context": map[string]any{"slot": 1}, "value": v}
}
