package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/liliang-cn/rusers/pkg/logger"
	"github.com/liliang-cn/rusers/pkg/session"
	"github.com/shirou/gopsutil/v3/host"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Source lists the sessions currently open on this machine.
type Source func(ctx context.Context) ([]session.Record, error)

// LocalSessions reads the utmp-backed session list of the running machine.
func LocalSessions(ctx context.Context) ([]session.Record, error) {
	users, err := host.UsersWithContext(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]session.Record, 0, len(users))
	for _, u := range users {
		if u.User == "" || strings.HasPrefix(u.User, "(unknown") {
			continue
		}
		r := session.Record{
			User:   u.User,
			Line:   u.Terminal,
			Remote: u.Host,
		}
		if u.Started > 0 {
			r.LoginTime = time.Unix(int64(u.Started), 0)
		}
		records = append(records, r)
	}
	return records, nil
}

// Server answers RemoteUsers calls from a session source.
type Server struct {
	source Source
	logger *logger.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSource replaces the session source. The default is LocalSessions.
func WithSource(src Source) ServerOption {
	return func(s *Server) {
		if src != nil {
			s.source = src
		}
	}
}

// WithServerLogger sets the logger used for request logging.
func WithServerLogger(l *logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a Server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		source: LocalSessions,
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions implements SessionsServer.
func (s *Server) Sessions(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	records, err := s.source(ctx)
	if err != nil {
		s.logger.Error("read sessions: %v", err)
		return nil, status.Errorf(codes.Unavailable, "read sessions: %v", err)
	}

	list, err := encodeRecords(records)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode sessions: %v", err)
	}
	s.logger.Debug("served %d sessions", len(records))
	return list, nil
}

// shutdownGrace bounds how long Serve waits for in-flight calls on shutdown.
var shutdownGrace = 10 * time.Second

// Serve registers s and a health service on a new gRPC server and serves lis
// until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	RegisterSessionsServer(gs, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()

	s.logger.Info("serving %s on %s", ServiceName, lis.Addr())

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		hs.Shutdown()

		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			s.logger.Warn("timeout, forcing stop")
			gs.Stop()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
