package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/marmos91/parsecfs/pkg/remote"
)

// toStatus maps a backend error to a gRPC status.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, remote.ErrBackendNotAvailable):
		return status.Error(codes.Unavailable, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus maps a gRPC error back to the remote package's errors.
func fromStatus(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", remote.ErrBackendNotAvailable, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unauthenticated, codes.Canceled, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", remote.ErrBackendNotAvailable, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", remote.ErrProtocol, st.Code(), st.Message())
	}
}
