package grpcapi

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "xiot.watch"

// HealthServer serves grpc.health.v1.Health. It reports NOT_SERVING until
// SetServing(true) is called.
type HealthServer struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	logger *zap.SugaredLogger
}

func NewHealthServer(addr string, logger *zap.SugaredLogger) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	return &HealthServer{addr: addr, grpc: srv, health: h, logger: logger}
}

func (s *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start listens on the configured address and serves until Stop.
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Infof("grpc health listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop reports NOT_SERVING to watchers, then drains the server.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
