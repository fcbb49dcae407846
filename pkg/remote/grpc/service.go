package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/marmos91/parsecfs/pkg/remote"
)

const serviceName = "parsec.v1.Backend"

const eventsListenMethod = "EventsListen"

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// handler is what the service descriptor dispatches to.
type handler interface {
	clientFor(ctx context.Context) (remote.Client, error)
}

// unary builds the descriptor of one request/reply command.
func unary[Req, Rep any](name string, call func(remote.Client, context.Context, Req) (Rep, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			run := func(ctx context.Context, in any) (any, error) {
				c, err := srv.(handler).clientFor(ctx)
				if err != nil {
					return nil, err
				}
				rep, err := call(c, ctx, *in.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return &rep, nil
			}
			if interceptor == nil {
				return run(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, run)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("VlobCreate", remote.Client.VlobCreate),
		unary("VlobUpdate", remote.Client.VlobUpdate),
		unary("VlobRead", remote.Client.VlobRead),
		unary("VlobListVersions", remote.Client.VlobListVersions),
		unary("BlockCreate", remote.Client.BlockCreate),
		unary("BlockRead", remote.Client.BlockRead),
		unary("MessageGet", remote.Client.MessageGet),
		unary("RealmCreate", remote.Client.RealmCreate),
		unary("RealmStatus", remote.Client.RealmStatus),
		unary("RealmGetRoles", remote.Client.RealmGetRoles),
		unary("RealmUpdateRoles", remote.Client.RealmUpdateRoles),
		unary("RealmStartReencryptionMaintenance", remote.Client.RealmStartReencryptionMaintenance),
		unary("RealmFinishReencryptionMaintenance", remote.Client.RealmFinishReencryptionMaintenance),
		unary("VlobMaintenanceGetReencryptionBatch", remote.Client.VlobMaintenanceGetReencryptionBatch),
		unary("VlobMaintenanceSaveReencryptionBatch", remote.Client.VlobMaintenanceSaveReencryptionBatch),
		unary("DeviceGet", remote.Client.DeviceGet),
		unary("UserGet", remote.Client.UserGet),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    eventsListenMethod,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			var open struct{}
			if err := stream.RecvMsg(&open); err != nil {
				return err
			}
			ctx := stream.Context()
			c, err := srv.(handler).clientFor(ctx)
			if err != nil {
				return err
			}
			events, err := c.EventsListen(ctx)
			if err != nil {
				return toStatus(err)
			}
			for ev := range events {
				if err := stream.SendMsg(&ev); err != nil {
					return err
				}
			}
			if err := ctx.Err(); err != nil {
				return toStatus(err)
			}
			return toStatus(remote.ErrBackendNotAvailable)
		},
	}},
}
