package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
)

func startHTTPTransport(t *testing.T, handler http.Handler) *HTTPTransport {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tr := NewHTTPTransport(&ServerConfig{
		ID:        "remote",
		Transport: TransportHTTP,
		URL:       server.URL,
		Timeout:   5 * time.Second,
	}, observability.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func decodeRequest(t *testing.T, r *http.Request) Request {
	t.Helper()
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return req
}

func TestHTTPCallJSONResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if accept := r.Header.Get("Accept"); !strings.Contains(accept, "text/event-stream") {
			t.Errorf("Accept = %q, want text/event-stream offered", accept)
		}

		req := decodeRequest(t, r)
		if req.Method != "tools/list" {
			t.Errorf("rpc method = %q, want tools/list", req.Method)
		}
		if _, ok := req.ID.(string); !ok {
			t.Errorf("rpc id = %T(%v), want string", req.ID, req.ID)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"tools": []any{}},
		})
	})
	tr := startHTTPTransport(t, handler)

	result, err := tr.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call() = %v", err)
	}
	if !strings.Contains(string(result), `"tools"`) {
		t.Errorf("result = %s, want tools listing", result)
	}
}

func TestHTTPSessionEcho(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		req := decodeRequest(t, r)

		if n == 1 {
			if got := r.Header.Get(sessionHeader); got != "" {
				t.Errorf("first call carried session %q, want none", got)
			}
			w.Header().Set(sessionHeader, "session-abc")
		} else {
			if got := r.Header.Get(sessionHeader); got != "session-abc" {
				t.Errorf("call %d session header = %q, want session-abc", n, got)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{}})
	})
	tr := startHTTPTransport(t, handler)

	if _, err := tr.Call(context.Background(), "initialize", nil); err != nil {
		t.Fatalf("first Call() = %v", err)
	}
	if _, err := tr.Call(context.Background(), "tools/list", nil); err != nil {
		t.Fatalf("second Call() = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("handler reached %d times, want 2", calls.Load())
	}
}

func TestHTTPCallSSEResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progress\":50}}\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%q,\"result\":{\"done\":true}}\n\n", req.ID)
	})
	tr := startHTTPTransport(t, handler)

	result, err := tr.Call(context.Background(), "tools/call", map[string]any{"name": "slow"})
	if err != nil {
		t.Fatalf("Call() = %v", err)
	}
	if !strings.Contains(string(result), `"done":true`) {
		t.Errorf("result = %s, want done", result)
	}

	select {
	case notif := <-tr.Notifications():
		if notif.Method != "notifications/progress" {
			t.Errorf("notification method = %q, want notifications/progress", notif.Method)
		}
	case <-time.After(time.Second):
		t.Error("stream notification not delivered")
	}
}

func TestHTTPCallRPCError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": CodeMethodNotFound, "message": "no such method"},
		})
	})
	tr := startHTTPTransport(t, handler)

	_, err := tr.Call(context.Background(), "prompts/list", nil)
	if err == nil {
		t.Fatal("Call() should surface the rpc error")
	}
	if !IsMethodNotFound(err) {
		t.Errorf("Call() error = %v, want method-not-found", err)
	}
}

func TestHTTPCallStatusError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	})
	tr := startHTTPTransport(t, handler)

	_, err := tr.Call(context.Background(), "tools/list", nil)
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("Call() = %v, want HTTP 502 error", err)
	}
}

func TestHTTPNotify(t *testing.T) {
	var sawNotification atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode notification: %v", err)
		}
		if _, hasID := body["id"]; hasID {
			t.Error("notification body carries an id")
		}
		if body["method"] == "notifications/initialized" {
			sawNotification.Store(true)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	tr := startHTTPTransport(t, handler)

	if err := tr.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify() = %v", err)
	}
	if !sawNotification.Load() {
		t.Error("server did not receive the notification")
	}
}

func TestHTTPStreamWithoutResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
	})
	tr := startHTTPTransport(t, handler)

	_, err := tr.Call(context.Background(), "tools/call", nil)
	if err == nil || !strings.Contains(err.Error(), "without a response") {
		t.Errorf("Call() = %v, want stream-ended error", err)
	}
}
