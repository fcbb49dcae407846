package grpc

import (
	"context"
	"encoding/hex"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Metadata keys of the request signature.
const (
	DeviceIDHeader  = "parsec-device-id"
	TimestampHeader = "parsec-timestamp"
	SignatureHeader = "parsec-signature"
)

// signedPayload is what a device signs for one call.
func signedPayload(method string, device types.DeviceID, timestamp string) []byte {
	return []byte(method + "\n" + device.String() + "\n" + timestamp)
}

// withSignature returns ctx carrying the authentication metadata for method.
func withSignature(ctx context.Context, method string, device types.DeviceID, key crypto.SigningKey, now time.Time) context.Context {
	timestamp := now.UTC().Format(time.RFC3339Nano)
	sig := key.SignDetached(signedPayload(method, device, timestamp))

	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(DeviceIDHeader, device.String())
	md.Set(TimestampHeader, timestamp)
	md.Set(SignatureHeader, hex.EncodeToString(sig))
	return metadata.NewOutgoingContext(ctx, md)
}

type deviceKey struct{}

func deviceFromContext(ctx context.Context) (types.DeviceID, bool) {
	id, ok := ctx.Value(deviceKey{}).(types.DeviceID)
	return id, ok
}

// authenticate checks the signature metadata of an incoming call and
// returns ctx carrying the authenticated device.
func (s *Server) authenticate(ctx context.Context, method string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}
		return ""
	}

	device, err := types.ParseDeviceID(first(DeviceIDHeader))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid device id")
	}
	timestamp := first(TimestampHeader)
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid timestamp")
	}
	now := s.clock.Now()
	if ts.Before(now.Add(-s.ballpark)) || ts.After(now.Add(s.ballpark)) {
		return nil, status.Error(codes.Unauthenticated, "timestamp out of ballpark")
	}
	sig, err := hex.DecodeString(first(SignatureHeader))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid signature encoding")
	}
	verifyKey, ok := s.backend.DeviceVerifyKey(device)
	if !ok || !verifyKey.VerifyDetached(signedPayload(method, device, timestamp), sig) {
		return nil, status.Error(codes.Unauthenticated, "bad signature")
	}
	return context.WithValue(ctx, deviceKey{}, device), nil
}

func (s *Server) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.authenticate(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (a *authenticatedStream) Context() context.Context { return a.ctx }

func (s *Server) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authenticate(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
}
