// Package server is relay's HTTP surface: health and prometheus metrics,
// endpoints to run and abort notes and to inspect batches, and a websocket
// stream of job, batch and output events.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/pulse/dispatch"
)

// Pulse is the part of the scheduling engine the endpoints drive
type Pulse interface {
	SubmitRun(ctx context.Context, noteID string, paragraphs []async.Paragraph, user string, roles []string) (*async.Batch, error)
	SubmitNote(ctx context.Context, noteID, user string, roles []string) (*async.Batch, error)
	AbortRun(ctx context.Context, noteID string) (*async.Batch, error)
	Status(ctx context.Context) (dispatch.Status, error)
}

// Batches reads batches and jobs for the inspection endpoints
type Batches interface {
	GetBatch(ctx context.Context, id string) (*async.Batch, error)
	ListJobsForBatch(ctx context.Context, batchID string) ([]*async.Job, error)
	ListBatches(ctx context.Context, noteID string, limit int) ([]*async.Batch, error)
}

// Events is the source of the websocket stream
type Events interface {
	Subscribe() chan async.Event
	Unsubscribe(ch chan async.Event)
}

// Deps are the collaborators of the server. *async.Store serves as both
// Batches and Events.
type Deps struct {
	Pulse    Pulse
	Batches  Batches
	Events   Events
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// Server serves the HTTP surface and owns the websocket hub
type Server struct {
	cfg      am.ServerConfig
	pulse    Pulse
	batches  Batches
	events   Events
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
	mux      *http.ServeMux

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	httpServer *http.Server
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hubOnce  sync.Once
	stopOnce sync.Once
	drops    atomic.Int64
	state    atomic.Int32
}

// New creates a server. Routes are ready on Handler; Start listens.
func New(cfg am.ServerConfig, deps Deps) (*Server, error) {
	if deps.Pulse == nil || deps.Batches == nil || deps.Events == nil {
		return nil, errors.New("server needs the pulse engine, a batch reader and an event source")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		pulse:      deps.Pulse,
		batches:    deps.Batches,
		events:     deps.Events,
		gatherer:   deps.Gatherer,
		logger:     deps.Logger.Named("server"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the routes, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// startHub starts the goroutine that owns the client set
func (s *Server) startHub() {
	s.hubOnce.Do(func() {
		events := s.events.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.events.Unsubscribe(events)
			s.runHub(events)
		}()
	})
}

// Start binds the configured port and serves in the background
func (s *Server) Start() error {
	port := am.DefaultServerPort
	if s.cfg.Port != nil {
		port = *s.cfg.Port
	}
	return s.StartOn(net.JoinHostPort("", strconv.Itoa(port)))
}

// StartOn binds addr and serves in the background. Port 0 picks a free port.
func (s *Server) StartOn(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", addr),
			"set server.port in am.toml or RELAY_SERVER_PORT to a free port")
	}

	s.startHub()

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server stopped", logger.FieldError, err)
		}
	}()

	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until ctx is done, then stops it
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop drains HTTP requests, closes websocket clients and waits for the
// server's goroutines
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.setState(ServerStateDraining)

		s.mu.RLock()
		srv := s.httpServer
		s.mu.RUnlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			err = srv.Shutdown(ctx)
			cancel()
		}

		// Hijacked websocket connections are not closed by Shutdown
		s.mu.Lock()
		for c := range s.clients {
			c.conn.Close()
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()

		s.setState(ServerStateStopped)
		s.logger.Infow("HTTP server stopped", "broadcast_drops", s.drops.Load())
	})
	return errors.Wrap(err, "failed to shut down HTTP server")
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Debugw("Server state changed", "new_state", state.String())
}

// clientCount returns the number of connected websocket clients
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
