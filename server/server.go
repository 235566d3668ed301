package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/talkbridge/bridge"
	"github.com/guseggert/talkbridge/config"
	"github.com/guseggert/talkbridge/internal/metrics"
	"github.com/guseggert/talkbridge/supervisor"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const shutdownTimeout = 5 * time.Second

// Server accepts WebSocket talk connections and runs one bridge.Session per connection.
type Server struct {
	log      *zap.SugaredLogger
	cfg      *config.Config
	spawn    bridge.Spawner
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	router     *httprouter.Router
	httpServer *http.Server

	ready     chan struct{}
	readyOnce sync.Once

	m        sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc

	sessionsMut sync.Mutex
	sessions    map[string]*bridge.Session
	closing     bool
	sessionsWG  sync.WaitGroup
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithSpawner overrides how session processes are started.
func WithSpawner(spawn bridge.Spawner) Option {
	return func(s *Server) {
		s.spawn = spawn
	}
}

// WithRegistry registers the server's metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// New builds a server. cfg must already be validated and must not be modified afterwards.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		log:      zap.NewNop().Sugar(),
		cfg:      cfg,
		ready:    make(chan struct{}),
		sessions: map[string]*bridge.Session{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = metrics.New(s.registry)
	if s.spawn == nil {
		s.spawn = bridge.SupervisorSpawner(
			supervisor.WithLogger(s.log.Named("supervisor")),
			supervisor.WithWriteTimeout(cfg.WriteTimeout),
			supervisor.WithKillGrace(cfg.KillGrace),
		)
	}

	router := httprouter.New()
	router.GET("/", s.talk)
	router.GET("/talk", s.talk)
	router.GET("/healthz", s.health)
	router.GET("/sessions", s.listSessions)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router = router
	s.httpServer = &http.Server{Handler: router}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the address the server is listening on, or nil if it is not listening yet.
func (s *Server) Addr() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on the configured address and serves until ctx is done or Stop is called.
// It returns an error if the address can't be bound, and nil after a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or Stop is called, then closes every session and waits for them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.m.Lock()
	s.listener = ln
	s.cancel = cancel
	s.m.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	s.log.Infow("listening for talk connections", "Addr", ln.Addr().String(), "TLS", s.cfg.TLSCert != "")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		var err error
		if s.cfg.TLSCert != "" {
			err = s.httpServer.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.closeSessions()
		if err != nil {
			return fmt.Errorf("shutting down HTTP server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Stop stops a running server. Run returns once all sessions are closed.
func (s *Server) Stop() error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// talk upgrades the request to a WebSocket and runs a session on it until it closes.
func (s *Server) talk(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	// There is no authentication, so there is nothing for origin checks to protect.
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	// Frames are not size limited and not queued, flow control is left to TCP and the child's stdin pipe.
	// The conn stores the limit plus one, so MaxInt64 itself would overflow.
	wsConn.SetReadLimit(math.MaxInt64 - 1)

	id := uuid.NewString()
	log := s.log.Named("session").With("ID", id, "RemoteAddr", r.RemoteAddr)
	sess := bridge.NewSession(wsConn, bridge.Options{
		ID:               id,
		RemoteAddr:       r.RemoteAddr,
		Argv:             s.cfg.Argv(),
		Spawn:            s.spawn,
		WatchdogInterval: s.cfg.WatchdogInterval,
		Logger:           log,
		Metrics:          s.metrics,
	})

	if !s.register(sess) {
		log.Debug("rejecting connection during shutdown")
		wsConn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unregister(sess)

	log.Info("client connected")
	res, err := sess.Run(r.Context())
	if err != nil {
		log.Warnf("session failed: %s", err)
		return
	}
	log.Infow("client session ended", "Reason", res.Reason, "Duration", res.Duration)
}

func (s *Server) register(sess *bridge.Session) bool {
	s.sessionsMut.Lock()
	defer s.sessionsMut.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.sessionsWG.Add(1)
	return true
}

func (s *Server) unregister(sess *bridge.Session) {
	s.sessionsMut.Lock()
	delete(s.sessions, sess.ID())
	s.sessionsMut.Unlock()
	s.sessionsWG.Done()
}

// closeSessions stops accepting sessions, drains every active one and waits for them to close.
func (s *Server) closeSessions() {
	s.sessionsMut.Lock()
	s.closing = true
	n := len(s.sessions)
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.sessionsMut.Unlock()

	if n > 0 {
		s.log.Infof("waiting for %d sessions to close", n)
	}
	s.sessionsWG.Wait()
}

// Sessions returns a snapshot of the active sessions, oldest first.
func (s *Server) Sessions() []bridge.Info {
	s.sessionsMut.Lock()
	infos := make([]bridge.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.sessionsMut.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

type HealthResponse struct {
	Status         string
	ActiveSessions int
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.sessionsMut.Lock()
	n := len(s.sessions)
	s.sessionsMut.Unlock()

	writeJSON(s.log, w, HealthResponse{Status: "ok", ActiveSessions: n})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(s.log, w, s.Sessions())
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
