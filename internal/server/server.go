package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/status"
	"github.com/dgnsrekt/gpuchannel/internal/transport"
)

// NewRouter builds the HTTP surface of the GPU process. statusBroadcaster may
// be nil.
func NewRouter(server *Server, hub *transport.Hub, statusBroadcaster *status.Broadcaster, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", server.Health)

	r.Route("/channels", func(r chi.Router) {
		r.Post("/", server.EstablishChannel)
		r.Delete("/{clientID}", server.CloseChannel)
		r.Post("/{clientID}/command-buffers", server.CreateCommandBuffer)
		r.Delete("/{clientID}/command-buffers/{routeID}", server.DestroyCommandBuffer)
	})
	r.Post("/contexts/lose", server.LoseAllContexts)

	r.Get("/ws/{channelID}", hub.HandleWS)

	if statusBroadcaster != nil {
		r.With(middleware.Compress(5)).Get("/status", statusBroadcaster.HandleStatus)
		r.Get("/status/stream", statusBroadcaster.HandleSSE)
	}

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Websocket upgrades hijack the writer; log them before handing off.
			if r.Header.Get("Upgrade") != "" {
				logger.Debug("upgrade", zap.String("path", r.URL.Path))
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
