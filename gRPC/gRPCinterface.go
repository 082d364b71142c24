// Package rpc serves the gRPC health protocol for the pipeline. The
// ServiceName entry reports NOT_SERVING while a job is active, so load
// balancers and schedulers can route batch submissions to idle instances.
package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"EggDetServer/controller"
)

// ServiceName is the health entry that tracks job activity.
const ServiceName = "eggdet.Pipeline"

// ResyncInterval is how often the pipeline status is re-read without events.
const ResyncInterval = time.Second

// StateSource is the part of the controller the health server watches.
type StateSource interface {
	Busy() bool
	Subscribe(buffer int) (<-chan controller.Event, func())
}

// Counter counts handled calls.
type Counter interface {
	Inc()
}

// Server wraps a grpc.Server with the health and reflection services.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	state  StateSource
	calls  Counter
	resync time.Duration
	log    *zap.Logger
}

// NewServer builds the server. calls may be nil.
func NewServer(state StateSource, calls Counter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{health: health.NewServer(), state: state, calls: calls, resync: ResyncInterval, log: log}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, statusOf(!state.Busy()))
	return s
}

func statusOf(idle bool) healthpb.HealthCheckResponse_ServingStatus {
	if idle {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.calls != nil {
		s.calls.Inc()
	}
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Debug("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}

// watch mirrors controller state into the health service until ctx is done.
// Events only wake it up; the status always comes from Busy, and a periodic
// resync covers events dropped for a full subscriber buffer.
func (s *Server) watch(ctx context.Context, events <-chan controller.Event) {
	resync := time.NewTicker(s.resync)
	defer resync.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-resync.C:
		case _, ok := <-events:
			if !ok {
				return
			}
		}
		s.health.SetServingStatus(ServiceName, statusOf(!s.state.Busy()))
	}
}

// Serve handles connections on lis until ctx is done, then stops
// gracefully and marks every service NOT_SERVING.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	events, unsubscribe := s.state.Subscribe(64)
	defer unsubscribe()
	// State may have changed between NewServer and Subscribe.
	s.health.SetServingStatus(ServiceName, statusOf(!s.state.Busy()))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watch(watchCtx, events)

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		serveErr <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-serveErr
		return nil
	case err := <-serveErr:
		return errors.Wrap(err, "grpc serve")
	}
}

// ListenAndServe listens on the TCP port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", port)
	}
	return s.Serve(ctx, lis)
}
