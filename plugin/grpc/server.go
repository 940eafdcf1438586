package grpc

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/plugin/grpc/protocol"
)

// ResultSink receives what workers report through the callback server
type ResultSink interface {
	// IngestResult handles a delivered result. It may block until the job
	// is bound to workerJobID.
	IngestResult(ctx context.Context, workerJobID, instanceID, payload string)
	AppendPartialOutput(ctx context.Context, workerJobID, text string) error
}

// ServerConfig configures the callback server
type ServerConfig struct {
	Host             string
	Port             int // 0 picks a free port
	SelfHealInterval time.Duration
	HealthTimeout    time.Duration
}

// CallbackServer is the gRPC server workers register with and report to.
// Run supervises it: when the serve loop has died or the server stops
// answering its own health probe, the whole server is torn down and
// recreated.
type CallbackServer struct {
	registry *plugin.Registry
	sink     ResultSink
	cfg      ServerConfig
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	serveDone  chan struct{}
	lastPort   int
	restarts   int

	// lifetime of asynchronous result ingestion
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCallbackServer creates a callback server. Call Start to listen.
func NewCallbackServer(registry *plugin.Registry, sink ResultSink, cfg ServerConfig, log *zap.SugaredLogger) *CallbackServer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.SelfHealInterval <= 0 {
		cfg.SelfHealInterval = 10 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CallbackServer{
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.AddWorkerSymbol(log.Named("callback")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens on the configured address and begins serving
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcServer != nil {
		return errors.New("callback server already started")
	}
	return s.startLocked(s.cfg.Port)
}

func (s *CallbackServer) startLocked(port int) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	protocol.RegisterCallbackServer(srv, s)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(protocol.CallbackServiceName, healthpb.HealthCheckResponse_SERVING)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(lis); err != nil {
			s.logger.Warnw("Callback serve loop exited", logger.FieldError, err)
		}
	}()

	s.grpcServer = srv
	s.health = hs
	s.listener = lis
	s.serveDone = done
	s.lastPort = lis.Addr().(*net.TCPAddr).Port

	s.logger.Infow("Callback server started", logger.FieldAddress, lis.Addr().String())
	return nil
}

// Address returns host:port workers should call back to. Empty before Start.
func (s *CallbackServer) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.lastPort))
}

// Restarts returns how often the server was recreated
func (s *CallbackServer) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Run supervises the server until ctx is done
func (s *CallbackServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SelfHealInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.checkAndHeal(ctx)
		}
	}
}

// checkAndHeal recreates the server when it is not serving
func (s *CallbackServer) checkAndHeal(ctx context.Context) {
	if s.healthy(ctx) {
		return
	}

	s.logger.Warnw("Callback server unhealthy, restarting")
	if err := s.restart(); err != nil {
		s.logger.Errorw("Callback server restart failed", logger.FieldError, err)
	}
}

func (s *CallbackServer) healthy(ctx context.Context) bool {
	s.mu.Lock()
	done := s.serveDone
	s.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}

	addr := s.Address()
	err := withConn(ctx, addr, s.cfg.HealthTimeout, func(ctx context.Context, conn *grpc.ClientConn) error {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
			Service: protocol.CallbackServiceName,
		})
		if err != nil {
			return err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return errors.Newf("callback server reports %s", resp.GetStatus())
		}
		return nil
	})
	if err != nil {
		s.logger.Debugw("Callback self probe failed", logger.FieldAddress, addr, logger.FieldError, err)
		return false
	}
	return true
}

// restart tears the server down and builds a new one, keeping the port
// running workers were told about when it can still be bound.
func (s *CallbackServer) restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	err := s.startLocked(s.lastPort)
	if err != nil && s.lastPort != s.cfg.Port {
		s.logger.Warnw("Could not rebind previous port, using configured port",
			logger.FieldPort, s.lastPort, logger.FieldError, err)
		err = s.startLocked(s.cfg.Port)
	}
	if err != nil {
		return err
	}
	s.restarts++
	return nil
}

func (s *CallbackServer) stopLocked() {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()
	s.grpcServer.Stop()
	<-s.serveDone
	s.grpcServer = nil
	s.health = nil
	s.listener = nil
	s.serveDone = nil
}

// Stop stops serving and waits for in-flight result ingestion
func (s *CallbackServer) Stop() {
	s.mu.Lock()
	if s.grpcServer != nil {
		s.health.Shutdown()
		stopped := make(chan struct{})
		srv := s.grpcServer
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			srv.Stop()
		}
		<-s.serveDone
		s.grpcServer = nil
		s.health = nil
		s.listener = nil
		s.serveDone = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Callback server stopped")
}

// RegisterAddress moves a launched worker to READY
func (s *CallbackServer) RegisterAddress(ctx context.Context, req *protocol.Registration) (*protocol.RegistrationResponse, error) {
	kind := plugin.Kind(req.Kind)
	if kind == "" {
		kind = plugin.KindInterpreter
	}
	ok := s.registry.Register(kind, req.Selector, req.Host, req.Port, req.InstanceID)
	return &protocol.RegistrationResponse{Accepted: ok}, nil
}

// DeliverResult acknowledges at once and ingests the result in the
// background, since ingestion may wait for the job to be bound.
func (s *CallbackServer) DeliverResult(ctx context.Context, req *protocol.ResultDelivery) (*protocol.Empty, error) {
	if req.WorkerJobID == "" {
		s.logger.Warnw("Dropping result without worker job id", logger.FieldInstanceID, req.InstanceID)
		return &protocol.Empty{}, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("Result ingestion panicked",
					logger.FieldWorkerJobID, req.WorkerJobID,
					"panic", r)
			}
		}()
		s.sink.IngestResult(s.ctx, req.WorkerJobID, req.InstanceID, req.Payload)
	}()
	return &protocol.Empty{}, nil
}

// DeliverPartialOutput appends streamed output. Failures are logged only.
func (s *CallbackServer) DeliverPartialOutput(ctx context.Context, req *protocol.PartialOutput) (*protocol.Empty, error) {
	if err := s.sink.AppendPartialOutput(ctx, req.WorkerJobID, req.Text); err != nil {
		s.logger.Debugw("Dropping partial output",
			logger.FieldWorkerJobID, req.WorkerJobID,
			logger.FieldError, err)
	}
	return &protocol.Empty{}, nil
}
