// Package grpc serves the standard gRPC health protocol. The pool service is
// SERVING while at least one worker is reachable.
package grpc

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/nemanja-m/genpool/internal/events"
	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/shared/config"
	"github.com/nemanja-m/genpool/internal/shared/logging"
)

// PoolService is the health service name that tracks worker availability.
const PoolService = "genpool.Pool"

// WorkerLister is the part of the pool the availability watcher reads.
type WorkerLister interface {
	Workers() []core.Worker
	Events() *events.Bus
}

type Server struct {
	addr        string
	grpcServer  *grpc.Server
	health      *health.Server
	pool        WorkerLister
	unsubscribe func()
	logger      logging.Logger
}

func NewServer(cfg config.GRPCConfig, pool WorkerLister, logger logging.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveMinTime,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	if cfg.EnableReflection {
		reflection.Register(grpcServer)
	}

	s := &Server{
		addr:       cfg.Addr,
		grpcServer: grpcServer,
		health:     hs,
		pool:       pool,
		logger:     logger,
	}
	s.refresh()
	s.unsubscribe = pool.Events().Subscribe(func(events.Event) { s.refresh() },
		events.InstanceAdded,
		events.InstanceRemoved,
		events.InstanceUnreachable,
		events.InstanceReadmitted,
	)
	return s
}

// refresh recomputes the pool status from the current worker states.
func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	for _, w := range s.pool.Workers() {
		if w.State != core.LoadStateUnreachable {
			status = healthpb.HealthCheckResponse_SERVING
			break
		}
	}
	s.health.SetServingStatus(PoolService, status)
	s.health.SetServingStatus("", status)
	s.logger.Debug("Health status updated", "service", PoolService, "status", status.String())
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// Stop reports NOT_SERVING to watchers and drains in-flight calls.
func (s *Server) Stop() {
	s.unsubscribe()
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
