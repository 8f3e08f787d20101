package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/clustermembership/pkg/observability/tracing"
	"github.com/amirimatin/clustermembership/pkg/transport"
)

// Server implements transport.StatusServer over gRPC using a JSON codec, so
// no protobuf codegen is required for the status/watch pair.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}

// statusServer defines the methods exposed by the status API.
type statusServer interface {
	GetStatus(ctx context.Context, in *empty) (*transport.StatusPayload, error)
	Watch(in *empty, stream Status_WatchServer) error
}

type Status_WatchServer interface {
	Send(*transport.DeltaPayload) error
	grpc.ServerStream
}

type statusImpl struct {
	status transport.StatusFunc
	watch  transport.WatchFunc
}

func (m *statusImpl) GetStatus(ctx context.Context, _ *empty) (*transport.StatusPayload, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	st, err := m.status(ctx)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *statusImpl) Watch(_ *empty, stream Status_WatchServer) error {
	ctx, end := tracing.StartSpan(stream.Context(), "grpc.watch")
	defer end()
	return m.watch(ctx, func(d transport.DeltaPayload) {
		_ = stream.Send(&d)
	})
}

var _Status_serviceDesc = grpc.ServiceDesc{
	ServiceName: "clustermembership.v1.StatusAPI",
	HandlerType: (*statusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Status_GetStatus_Handler},
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler:       _Status_Watch_Handler,
	}},
}

func _Status_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(statusServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clustermembership.v1.StatusAPI/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(statusServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Status_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(statusServer).Watch(m, &statusWatchServer{stream})
}

type statusWatchServer struct{ grpc.ServerStream }

func (x *statusWatchServer) Send(d *transport.DeltaPayload) error { return x.ServerStream.SendMsg(d) }

// Start launches the gRPC listener and registers the status/watch service,
// backed by the supplied status and watch functions.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc, watch transport.WatchFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	srv.RegisterService(&_Status_serviceDesc, &statusImpl{status: status, watch: watch})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the address the server is actually listening on, resolving
// a ":0" bind to its OS-assigned port once Start has run.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}

var _ transport.StatusServer = (*Server)(nil)
