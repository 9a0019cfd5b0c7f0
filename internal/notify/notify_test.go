package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

type captured struct {
	title, priority, tags, auth, body string
}

func newCaptureServer(t *testing.T) (*httptest.Server, <-chan captured) {
	t.Helper()
	ch := make(chan captured, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/gpu-alerts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		ch <- captured{
			title:    r.Header.Get("Title"),
			priority: r.Header.Get("Priority"),
			tags:     r.Header.Get("Tags"),
			auth:     r.Header.Get("Authorization"),
			body:     string(body),
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func receive(t *testing.T, ch <-chan captured) captured {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return captured{}
	}
}

func TestClient_DeliversContextLoss(t *testing.T) {
	srv, got := newCaptureServer(t)
	client := NewClient(&Config{
		Enabled:  true,
		Server:   srv.URL + "/",
		Topic:    "gpu-alerts",
		Priority: "default",
		Tags:     "desktop_computer",
		Token:    "tk_abc",
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Run(ctx)
	}()

	client.DidCreateOffscreenContext(3, 7)
	client.DidLoseContext(3, 7, ipc.ContextLostGuilty)
	client.DidLoseContext(4, 9, ipc.ContextLostInnocent)

	first := receive(t, got)
	if first.title != "GPU Context Lost: client 3" {
		t.Errorf("unexpected title %q", first.title)
	}
	if first.priority != "high" {
		t.Errorf("guilty loss should be high priority, got %q", first.priority)
	}
	if first.tags != "desktop_computer,warning" {
		t.Errorf("unexpected tags %q", first.tags)
	}
	if first.auth != "Bearer tk_abc" {
		t.Errorf("unexpected auth header %q", first.auth)
	}
	if !strings.Contains(first.body, "Reason: guilty") || !strings.Contains(first.body, "Route: 7") {
		t.Errorf("unexpected body %q", first.body)
	}

	second := receive(t, got)
	if second.priority != "default" {
		t.Errorf("innocent loss should use configured priority, got %q", second.priority)
	}

	cancel()
	wg.Wait()
}

func TestClient_DropsWhenQueueFull(t *testing.T) {
	client := NewClient(&Config{Enabled: true, Server: "http://127.0.0.1:0", Topic: "t", QueueSize: 1}, zap.NewNop())

	client.ChannelClosed(1, "gpu.a")
	client.ChannelClosed(2, "gpu.b")
	client.DidDestroyOffscreenContext(2, 5)

	if client.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", client.Dropped())
	}
	if len(client.events) != 1 {
		t.Errorf("expected one queued event, got %d", len(client.events))
	}
}

func TestFormatMessage(t *testing.T) {
	e := Event{
		Kind:      EventChannelClosed,
		ClientID:  12,
		ChannelID: "gpu.xyz",
		Route:     ipc.RouteNone,
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	got := FormatMessage(e)
	want := "Client: 12\nChannel: gpu.xyz\nTime: 2026-01-02T03:04:05Z"
	if got != want {
		t.Errorf("FormatMessage() = %q, want %q", got, want)
	}
	if e.tags("") != "wave" {
		t.Errorf("unexpected tags %q", e.tags(""))
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(&Config{}, zap.NewNop()).(*LogNotifier); !ok {
		t.Error("disabled config should produce a LogNotifier")
	}
	if _, ok := New(&Config{Enabled: true, Topic: "t"}, zap.NewNop()).(*Client); !ok {
		t.Error("enabled config should produce a Client")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"valid", Config{Enabled: true, Topic: "t", Priority: "low"}, false},
		{"missing topic", Config{Enabled: true, Priority: "low"}, true},
		{"bad priority", Config{Enabled: true, Topic: "t", Priority: "loud"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
