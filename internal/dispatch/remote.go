package dispatch

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/gridwork/internal/cache"
	"github.com/ChuLiYu/gridwork/internal/server"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// RemoteSlots is a cache.SlotStore backed by a feeder's slot server.
type RemoteSlots struct {
	conn grpc.ClientConnInterface
}

var _ cache.SlotStore = (*RemoteSlots)(nil)

// NewRemoteSlots uses an established connection.
func NewRemoteSlots(conn grpc.ClientConnInterface) *RemoteSlots {
	return &RemoteSlots{conn: conn}
}

// DialSlots opens a plaintext connection to a slot server at addr.
func DialSlots(addr string) (*RemoteSlots, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial slot server %s: %w", addr, err)
	}
	return NewRemoteSlots(conn), conn, nil
}

func (r *RemoteSlots) call(ctx context.Context, method string, req, resp any) error {
	in, err := server.Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, server.FullMethod(method), in, out); err != nil {
		return server.FromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return server.Decode(out, resp)
}

func (r *RemoteSlots) Claim(ctx context.Context, owner string, f cache.ClaimFilter) (types.JobSlot, error) {
	var resp server.ClaimResponse
	if err := r.call(ctx, server.MethodClaim, server.ClaimRequest{Owner: owner, Filter: f}, &resp); err != nil {
		return types.JobSlot{}, err
	}
	return resp.Slot, nil
}

func (r *RemoteSlots) Release(ctx context.Context, owner string, index int, consumed bool) error {
	return r.call(ctx, server.MethodRelease, server.ReleaseRequest{Owner: owner, Index: index, Consumed: consumed}, nil)
}

func (r *RemoteSlots) Heartbeat(ctx context.Context, owner string) error {
	return r.call(ctx, server.MethodHeartbeat, server.HeartbeatRequest{Owner: owner}, nil)
}

func (r *RemoteSlots) Snapshot(ctx context.Context) ([]types.JobSlot, error) {
	var resp server.SnapshotResponse
	if err := r.call(ctx, server.MethodSnapshot, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Slots, nil
}
