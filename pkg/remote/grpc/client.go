package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/marmos91/parsecfs/pkg/clock"
	"github.com/marmos91/parsecfs/pkg/crypto"
	"github.com/marmos91/parsecfs/pkg/remote"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Client is a remote.Client talking to a Server.
type Client struct {
	conn   *grpc.ClientConn
	device types.DeviceID
	key    crypto.SigningKey
	clock  clock.Clock
}

var _ remote.Client = (*Client)(nil)

// Dial prepares a connection to target. The connection is established
// lazily on the first call.
func Dial(target string, device types.DeviceID, key crypto.SigningKey, clk clock.Clock, opts ...grpc.DialOption) (*Client, error) {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Client{device: device, key: key, clock: clk}
	opts = append(opts,
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithChainUnaryInterceptor(c.signUnary),
		grpc.WithChainStreamInterceptor(c.signStream),
	)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	c.conn = conn
	return c, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) signUnary(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	ctx = withSignature(ctx, method, c.device, c.key, c.clock.Now())
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (c *Client) signStream(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	ctx = withSignature(ctx, method, c.device, c.key, c.clock.Now())
	return streamer(ctx, desc, cc, method, opts...)
}

func invoke[Req, Rep any](ctx context.Context, c *Client, method string, req Req) (Rep, error) {
	var rep Rep
	if err := c.conn.Invoke(ctx, fullMethod(method), &req, &rep); err != nil {
		return rep, fromStatus(ctx, err)
	}
	return rep, nil
}

func (c *Client) VlobCreate(ctx context.Context, req remote.VlobCreateReq) (remote.VlobCreateRep, error) {
	return invoke[remote.VlobCreateReq, remote.VlobCreateRep](ctx, c, "VlobCreate", req)
}

func (c *Client) VlobUpdate(ctx context.Context, req remote.VlobUpdateReq) (remote.VlobUpdateRep, error) {
	return invoke[remote.VlobUpdateReq, remote.VlobUpdateRep](ctx, c, "VlobUpdate", req)
}

func (c *Client) VlobRead(ctx context.Context, req remote.VlobReadReq) (remote.VlobReadRep, error) {
	return invoke[remote.VlobReadReq, remote.VlobReadRep](ctx, c, "VlobRead", req)
}

func (c *Client) VlobListVersions(ctx context.Context, req remote.VlobListVersionsReq) (remote.VlobListVersionsRep, error) {
	return invoke[remote.VlobListVersionsReq, remote.VlobListVersionsRep](ctx, c, "VlobListVersions", req)
}

func (c *Client) BlockCreate(ctx context.Context, req remote.BlockCreateReq) (remote.BlockCreateRep, error) {
	return invoke[remote.BlockCreateReq, remote.BlockCreateRep](ctx, c, "BlockCreate", req)
}

func (c *Client) BlockRead(ctx context.Context, req remote.BlockReadReq) (remote.BlockReadRep, error) {
	return invoke[remote.BlockReadReq, remote.BlockReadRep](ctx, c, "BlockRead", req)
}

func (c *Client) MessageGet(ctx context.Context, req remote.MessageGetReq) (remote.MessageGetRep, error) {
	return invoke[remote.MessageGetReq, remote.MessageGetRep](ctx, c, "MessageGet", req)
}

func (c *Client) RealmCreate(ctx context.Context, req remote.RealmCreateReq) (remote.RealmCreateRep, error) {
	return invoke[remote.RealmCreateReq, remote.RealmCreateRep](ctx, c, "RealmCreate", req)
}

func (c *Client) RealmStatus(ctx context.Context, req remote.RealmStatusReq) (remote.RealmStatusRep, error) {
	return invoke[remote.RealmStatusReq, remote.RealmStatusRep](ctx, c, "RealmStatus", req)
}

func (c *Client) RealmGetRoles(ctx context.Context, req remote.RealmGetRolesReq) (remote.RealmGetRolesRep, error) {
	return invoke[remote.RealmGetRolesReq, remote.RealmGetRolesRep](ctx, c, "RealmGetRoles", req)
}

func (c *Client) RealmUpdateRoles(ctx context.Context, req remote.RealmUpdateRolesReq) (remote.RealmUpdateRolesRep, error) {
	return invoke[remote.RealmUpdateRolesReq, remote.RealmUpdateRolesRep](ctx, c, "RealmUpdateRoles", req)
}

func (c *Client) RealmStartReencryptionMaintenance(ctx context.Context, req remote.RealmStartReencryptionMaintenanceReq) (remote.RealmStartReencryptionMaintenanceRep, error) {
	return invoke[remote.RealmStartReencryptionMaintenanceReq, remote.RealmStartReencryptionMaintenanceRep](ctx, c, "RealmStartReencryptionMaintenance", req)
}

func (c *Client) RealmFinishReencryptionMaintenance(ctx context.Context, req remote.RealmFinishReencryptionMaintenanceReq) (remote.RealmFinishReencryptionMaintenanceRep, error) {
	return invoke[remote.RealmFinishReencryptionMaintenanceReq, remote.RealmFinishReencryptionMaintenanceRep](ctx, c, "RealmFinishReencryptionMaintenance", req)
}

func (c *Client) VlobMaintenanceGetReencryptionBatch(ctx context.Context, req remote.VlobMaintenanceGetReencryptionBatchReq) (remote.VlobMaintenanceGetReencryptionBatchRep, error) {
	return invoke[remote.VlobMaintenanceGetReencryptionBatchReq, remote.VlobMaintenanceGetReencryptionBatchRep](ctx, c, "VlobMaintenanceGetReencryptionBatch", req)
}

func (c *Client) VlobMaintenanceSaveReencryptionBatch(ctx context.Context, req remote.VlobMaintenanceSaveReencryptionBatchReq) (remote.VlobMaintenanceSaveReencryptionBatchRep, error) {
	return invoke[remote.VlobMaintenanceSaveReencryptionBatchReq, remote.VlobMaintenanceSaveReencryptionBatchRep](ctx, c, "VlobMaintenanceSaveReencryptionBatch", req)
}

func (c *Client) DeviceGet(ctx context.Context, req remote.DeviceGetReq) (remote.DeviceGetRep, error) {
	return invoke[remote.DeviceGetReq, remote.DeviceGetRep](ctx, c, "DeviceGet", req)
}

func (c *Client) UserGet(ctx context.Context, req remote.UserGetReq) (remote.UserGetRep, error) {
	return invoke[remote.UserGetReq, remote.UserGetRep](ctx, c, "UserGet", req)
}

// EventsListen opens the server event stream. The channel closes when the
// stream ends for any reason.
func (c *Client) EventsListen(ctx context.Context) (<-chan remote.Event, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod(eventsListenMethod))
	if err != nil {
		return nil, fromStatus(ctx, err)
	}
	if err := stream.SendMsg(&struct{}{}); err != nil {
		return nil, fromStatus(ctx, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(ctx, err)
	}

	out := make(chan remote.Event)
	go func() {
		defer close(out)
		for {
			var ev remote.Event
			if err := stream.RecvMsg(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
