package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/gpuchannel/internal/channel"
	"github.com/dgnsrekt/gpuchannel/internal/executor"
	"github.com/dgnsrekt/gpuchannel/internal/ipc"
	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
	"github.com/dgnsrekt/gpuchannel/internal/transport"
)

// Config configures the control API.
type Config struct {
	// EstablishRate limits new channels per second across all clients.
	EstablishRate  float64
	EstablishBurst int
	// RequestTimeout bounds how long a request waits for the main runner.
	RequestTimeout time.Duration
}

// Server implements the host-side control API. Every registry call runs on
// the main runner.
type Server struct {
	registry *channel.Registry
	main     taskrunner.Runner
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *zap.Logger
	nextID   uint64
}

func NewServer(registry *channel.Registry, main taskrunner.Runner, cfg Config, logger *zap.Logger) *Server {
	if cfg.EstablishRate <= 0 {
		cfg.EstablishRate = 20
	}
	if cfg.EstablishBurst <= 0 {
		cfg.EstablishBurst = int(cfg.EstablishRate * 2)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Server{
		registry: registry,
		main:     main,
		limiter:  rate.NewLimiter(rate.Limit(cfg.EstablishRate), cfg.EstablishBurst),
		timeout:  cfg.RequestTimeout,
		logger:   logger,
	}
}

type EstablishRequest struct {
	ClientID              int32 `json:"client_id"`
	Preempts              bool  `json:"preempts"`
	AllowFutureSyncPoints bool  `json:"allow_future_sync_points"`
}

type EstablishResponse struct {
	ChannelID    string `json:"channel_id"`
	WebsocketURL string `json:"websocket_url"`
}

type CreateCommandBufferRequest struct {
	SurfaceID int32 `json:"surface_id"`
}

type CreateCommandBufferResponse struct {
	RouteID ipc.RouteID `json:"route_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
}

// onMain runs fn on the main runner and waits for it.
func (s *Server) onMain(ctx context.Context, fn func()) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return taskrunner.PostAndWait(ctx, s.main, func() {
		if ctx.Err() == nil {
			fn()
		}
	})
}

// route sends a process-level control message through the registry.
func (s *Server) route(ctx context.Context, body ipc.Body) (ipc.Message, error) {
	var reply ipc.Message
	var routeErr error
	if err := s.onMain(ctx, func() {
		s.nextID++
		reply, routeErr = s.registry.RouteMessage(ipc.Message{
			Route: ipc.RouteControl,
			Sync:  true,
			ID:    s.nextID,
			Body:  body,
		})
	}); err != nil {
		return ipc.Message{}, err
	}
	return reply, routeErr
}

// EstablishChannel handles POST /channels.
func (s *Server) EstablishChannel(w http.ResponseWriter, r *http.Request) {
	var req EstablishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID <= 0 {
		writeError(w, http.StatusBadRequest, "client_id must be positive")
		return
	}
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "channel establishment rate exceeded")
		return
	}

	var id string
	var createErr error
	err := s.onMain(r.Context(), func() {
		id, createErr = s.registry.CreateChannel(req.ClientID, channel.Options{
			Preempts:              req.Preempts,
			AllowFutureSyncPoints: req.AllowFutureSyncPoints,
		})
	})
	if err == nil {
		err = createErr
	}
	if err != nil {
		s.fail(w, "establish channel failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, EstablishResponse{
		ChannelID:    id,
		WebsocketURL: transport.URL(r, id),
	})
}

// CloseChannel handles DELETE /channels/{clientID}.
func (s *Server) CloseChannel(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.route(r.Context(), &ipc.CloseChannel{ClientID: clientID}); err != nil {
		s.fail(w, "close channel failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateCommandBuffer handles POST /channels/{clientID}/command-buffers.
func (s *Server) CreateCommandBuffer(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDParam(w, r)
	if !ok {
		return
	}
	var req CreateCommandBufferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.route(r.Context(), &ipc.CreateViewCommandBuffer{ClientID: clientID, SurfaceID: req.SurfaceID})
	if err != nil {
		s.fail(w, "create command buffer failed", err)
		return
	}
	created, ok := reply.Body.(*ipc.CreateCommandBufferReply)
	if !ok || !created.Succeeded {
		writeError(w, http.StatusInternalServerError, "command buffer not created")
		return
	}
	writeJSON(w, http.StatusCreated, CreateCommandBufferResponse{RouteID: created.Route})
}

// DestroyCommandBuffer handles DELETE /channels/{clientID}/command-buffers/{routeID}.
func (s *Server) DestroyCommandBuffer(w http.ResponseWriter, r *http.Request) {
	clientID, ok := clientIDParam(w, r)
	if !ok {
		return
	}
	route, err := strconv.ParseInt(chi.URLParam(r, "routeID"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid route id")
		return
	}
	if _, err := s.route(r.Context(), &ipc.DestroyViewCommandBuffer{ClientID: clientID, Route: ipc.RouteID(route)}); err != nil {
		s.fail(w, "destroy command buffer failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoseAllContexts handles POST /contexts/lose.
func (s *Server) LoseAllContexts(w http.ResponseWriter, r *http.Request) {
	if err := s.onMain(r.Context(), s.registry.MarkAllContextsLost); err != nil {
		s.fail(w, "lose contexts failed", err)
		return
	}
	s.logger.Warn("all contexts marked lost by request", zap.String("remote_addr", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	var n int
	if err := s.onMain(r.Context(), func() { n = s.registry.NumChannels() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, "main runner unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Channels: n})
}

// fail maps registry errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, channel.ErrAlreadyExists), errors.Is(err, channel.ErrPreemptorExists):
		status = http.StatusConflict
	case errors.Is(err, channel.ErrChannelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, channel.ErrNoSurface), errors.Is(err, executor.ErrInvalidSurface):
		status = http.StatusBadRequest
	case errors.Is(err, executor.ErrTooManyContexts),
		errors.Is(err, taskrunner.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	s.logger.Debug(msg, zap.Int("status", status), zap.Error(err))
	writeError(w, status, err.Error())
}

func clientIDParam(w http.ResponseWriter, r *http.Request) (int32, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "clientID"), 10, 32)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return 0, false
	}
	return int32(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
