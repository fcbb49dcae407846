package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Backend is the server-side state a Server exposes.
type Backend interface {
	Client(device types.DeviceID) remote.Client
	DeviceVerifyKey(device types.DeviceID) (crypto.VerifyKey, bool)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Clock clock.Clock

	// Ballpark bounds the clock skew accepted on request signatures.
	Ballpark time.Duration
}

// Server exposes a Backend over gRPC.
type Server struct {
	backend  Backend
	clock    clock.Clock
	ballpark time.Duration
	grpc     *grpc.Server
}

// NewServer builds a gRPC server dispatching to backend.
func NewServer(backend Backend, opts ServerOptions, grpcOpts ...grpc.ServerOption) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Ballpark <= 0 {
		opts.Ballpark = 30 * time.Second
	}
	s := &Server{backend: backend, clock: opts.Clock, ballpark: opts.Ballpark}
	grpcOpts = append(grpcOpts,
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	)
	s.grpc = grpc.NewServer(grpcOpts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) clientFor(ctx context.Context) (remote.Client, error) {
	device, ok := deviceFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}
	return s.backend.Client(device), nil
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		logger.Info("Stopping gRPC server...")
		s.grpc.GracefulStop()
	}()
	logger.Info("Starting gRPC server on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop closes every connection immediately.
func (s *Server) Stop() { s.grpc.Stop() }
