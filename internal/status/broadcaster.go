package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source samples the process. It fills everything but the broadcaster id,
// timestamp and sequence.
type Source func(ctx context.Context) (Report, error)

// Broadcaster samples the process on an interval and streams the reports to
// connected SSE clients.
type Broadcaster struct {
	broadcasterID string
	source        Source
	interval      time.Duration
	logger        *zap.Logger

	mu       sync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool
}

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	dataCh  chan []byte
	flusher http.Flusher
	writer  http.ResponseWriter
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(id string, source Source, interval time.Duration, logger *zap.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{
		broadcasterID: id,
		source:        source,
		interval:      interval,
		logger:        logger,
		clients:       make(map[*sseClient]bool),
	}
}

// Run starts the periodic broadcast loop.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("status broadcaster starting",
		zap.String("broadcaster_id", b.broadcasterID),
		zap.Duration("interval", b.interval),
	)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("status broadcaster stopping")
			return
		case <-ticker.C:
			b.broadcastToAll(ctx)
		}
	}
}

// Current takes a fresh sample.
func (b *Broadcaster) Current(ctx context.Context) (*Report, error) {
	report, err := b.source(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.sequence++
	report.Sequence = b.sequence
	b.mu.Unlock()

	report.BroadcasterID = b.broadcasterID
	report.Timestamp = time.Now().UnixMilli()
	return &report, nil
}

// HandleStatus handles GET /status.
func (b *Broadcaster) HandleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := b.Current(r.Context())
	if err != nil {
		b.logger.Warn("status sample failed", zap.Error(err))
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		b.logger.Debug("failed to encode status", zap.Error(err))
	}
}

// HandleSSE handles GET /status/stream.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Sample before committing to the stream so a failure is still a plain
	// HTTP error.
	snapshot, err := b.Current(r.Context())
	if err != nil {
		b.logger.Warn("status sample failed", zap.Error(err))
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{
		dataCh:  make(chan []byte, 10),
		flusher: flusher,
		writer:  w,
	}

	b.addClient(client)
	defer b.removeClient(client)

	b.logger.Debug("status client connected", zap.String("remote_addr", r.RemoteAddr))

	if err := b.sendEvent(client, "snapshot", snapshot); err != nil {
		b.logger.Debug("failed to send snapshot", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			b.logger.Debug("status client disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case eventData := <-client.dataCh:
			if _, err := client.writer.Write(eventData); err != nil {
				b.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
			client.flusher.Flush()
		}
	}
}

// NumClients returns the number of connected SSE clients.
func (b *Broadcaster) NumClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) addClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
}

func (b *Broadcaster) removeClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, client)
}

func (b *Broadcaster) broadcastToAll(ctx context.Context) {
	if b.NumClients() == 0 {
		return
	}

	batch, err := b.Current(ctx)
	if err != nil {
		b.logger.Debug("status sample failed", zap.Error(err))
		return
	}
	eventData, err := formatEvent("batch", batch)
	if err != nil {
		b.logger.Error("failed to format status event", zap.Error(err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client.dataCh <- eventData:
		default:
			// Channel full, client is slow
			b.logger.Debug("client channel full, dropping batch")
		}
	}
}

func (b *Broadcaster) sendEvent(client *sseClient, eventType string, report *Report) error {
	eventData, err := formatEvent(eventType, report)
	if err != nil {
		return err
	}

	if _, err := client.writer.Write(eventData); err != nil {
		return err
	}
	client.flusher.Flush()
	return nil
}

func formatEvent(eventType string, report *Report) ([]byte, error) {
	jsonData, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, report.Sequence, jsonData)), nil
}
