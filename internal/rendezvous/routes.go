package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Huddle/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxMessageSize,
	WriteBufferSize: maxMessageSize,
	// Native clients send no Origin; browsers are not a target.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and hands the connection to hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		c := newClient(hub, conn)
		select {
		case hub.register <- c:
		case <-hub.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Rendezvous server is healthy."))
}

// NewRouter wires the WebSocket endpoint, health check and metrics.
func NewRouter(hub *Hub) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", ServeWs(hub))
	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", hub.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs a hub and its HTTP server on addr until ctx is
// cancelled, then shuts both down.
func ListenAndServe(ctx context.Context, addr string, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	hub := NewHub(NewMetrics(), logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("rendezvous server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}
