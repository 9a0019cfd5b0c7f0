package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEstablishChannel_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req EstablishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("invalid body: %v", err)
		}
		if req.ClientID != 7 || !req.Preempts {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(EstablishResponse{ChannelID: "gpu.x", WebsocketURL: "ws://host/ws/gpu.x"})
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	client := NewHTTPControl(server.URL+"/", 10, 30*time.Second, time.Second, 3, logger)

	resp, err := client.EstablishChannel(context.Background(), EstablishRequest{ClientID: 7, Preempts: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ChannelID != "gpu.x" || resp.WebsocketURL != "ws://host/ws/gpu.x" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestEstablishChannel_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"channel already exists: client 7"}`))
	}))
	defer server.Close()

	client := NewHTTPControl(server.URL, 10, 30*time.Second, time.Second, 3, zap.NewNop())

	_, err := client.EstablishChannel(context.Background(), EstablishRequest{ClientID: 7})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err.Error() != "channel conflict: channel already exists: client 7" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestCreateViewCommandBuffer_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/4/command-buffers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPControl(server.URL, 10, 30*time.Second, time.Second, 0, zap.NewNop())

	if _, err := client.CreateViewCommandBuffer(context.Background(), 4, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDo_RetriesRateLimit(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPControl(server.URL, 10, 30*time.Second, 10*time.Millisecond, 3, zap.NewNop())

	if err := client.CloseChannel(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestDo_MaxRetriesExceeded(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPControl(server.URL, 10, 30*time.Second, 10*time.Millisecond, 2, zap.NewNop())

	err := client.DestroyViewCommandBuffer(context.Background(), 1, 5)
	if err == nil {
		t.Fatal("expected error after retries")
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts (1 initial + 2 retries), got %d", attempts.Load())
	}
}
