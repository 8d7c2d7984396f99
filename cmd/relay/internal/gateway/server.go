package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/relay/internal/hub"
	"github.com/poscalfx/price-relay/cmd/relay/internal/upstream"
)

// Upstream is what the server needs from the connector: visibility for /stats and a way
// to shut it down.
type Upstream interface {
	Conns() []upstream.ConnInfo
	Close(ctx context.Context) error
}

type Server struct {
	hub      *hub.Hub
	upstream Upstream
	opts     ClientOptions
	logger   *zap.Logger
	srv      *http.Server
}

func NewServer(addr string, h *hub.Hub, up Upstream, opts ClientOptions, logger *zap.Logger) *Server {
	s := &Server{
		hub:      h,
		upstream: up,
		opts:     opts,
		logger:   logger,
	}
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	return s
}

// Handler exposes the routes: /ws (relay protocol), /forex (gateway protocol), /health
// and /stats.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS(ModeRelay))
	mux.HandleFunc("/forex", s.serveWS(ModeGateway))
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/stats", s.stats)
	return mux
}

func (s *Server) serveWS(mode Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Debug("Upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(conn, s.hub, mode, s.opts, s.logger)
		client.Start()
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statsResponse struct {
	hub.Stats
	Upstream []upstream.ConnInfo `json:"upstream"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Stats:    s.hub.Stats(),
		Upstream: s.upstream.Conns(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write stats", zap.Error(err))
	}
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Server Started", zap.String("addr", l.Addr().String()))
	err := s.srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes upstream feeds, then client sessions, then the listener. A failing
// step is logged and does not stop the ones after it.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.upstream.Close(ctx); err != nil {
		s.logger.Error("Failed to close upstream", zap.Error(err))
		errs = append(errs, err)
	}

	s.hub.CloseAll()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to stop http server", zap.Error(err))
		errs = append(errs, err)
	}

	s.logger.Info("Shutdown Complete")
	return errors.Join(errs...)
}
