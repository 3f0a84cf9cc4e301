package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/yapchat/yap/pkg/config"
	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/signal"
)

const (
	pingInterval    = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server is the http/websocket front of the relay.
type Server struct {
	config  config.RelayConfig
	api     *webrtc.API
	rtcConf webrtc.Configuration
	room    *Room
	limiter *rate.Limiter
	log     logr.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*Peer]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a relay for conf.
func NewServer(conf config.RootConfig) (*Server, error) {
	api, rtcConf, err := config.NewAPI(conf.WebRTC)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if conf.Relay.ConnectRate > 0 {
		limit = rate.Limit(conf.Relay.ConnectRate)
	}

	return &Server{
		config:  conf.Relay,
		api:     api,
		rtcConf: rtcConf,
		room:    NewRoom(conf.Relay.MaxConnections),
		limiter: rate.NewLimiter(limit, max(1, conf.Relay.ConnectBurst)),
		log:     logger.GetLogger().WithName("relay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		peers: make(map[*Peer]struct{}),
	}, nil
}

// Room is the room every participant joins.
func (s *Server) Room() *Room {
	return s.room
}

// Handler routes /websocket, /metrics and the health check.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/websocket", http.HandlerFunc(s.serveWebsocket)).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler())
	r.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return r
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		prometheusCounterRejected.WithLabelValues("rate").Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		prometheusCounterRejected.WithLabelValues("name").Inc()
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	if limit := s.config.MaxConnections; limit > 0 && s.room.Len() >= limit {
		prometheusCounterRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "upgrading websocket")
		return
	}

	ch := signal.NewChannel(conn, pingInterval)
	peer, err := newPeer(s.api, s.rtcConf, ch, s.room, name)
	if err != nil {
		s.log.Error(err, "creating peer", "participant", name)
		_ = ch.Send(signal.Error{Reason: "could not create peer connection"})
		_ = ch.Close()
		return
	}

	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
		s.wg.Done()
	}()

	if err := peer.serve(); err != nil {
		if errors.Is(err, ErrCapacity) {
			prometheusCounterRejected.WithLabelValues("capacity").Inc()
		}
		s.log.Info("peer ended", "participant", name, "reason", err.Error())
	}
}

// ListenAndServe serves until ctx is done, then disconnects every
// participant and waits for them to leave.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.HTTPAddr,
		Handler: s.Handler(),
	}

	errs := make(chan error, 1)
	go func() {
		var err error
		if s.config.Key != "" && s.config.Cert != "" {
			s.log.Info("Started relay (https)", "listen", s.config.HTTPAddr)
			err = srv.ListenAndServeTLS(s.config.Cert, s.config.Key)
		} else {
			s.log.Info("Started relay", "listen", s.config.HTTPAddr)
			err = srv.ListenAndServe()
		}
		errs <- err
	}()

	select {
	case err := <-errs:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down relay", "participants", s.room.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close disconnects every participant and stops the room.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	s.wg.Wait()
	s.room.Close()
}
