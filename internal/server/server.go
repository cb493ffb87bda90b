package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/ChuLiYu/gridwork/internal/cache"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClaimRequest asks for one slot.
type ClaimRequest struct {
	Owner  string            `json:"owner"`
	Filter cache.ClaimFilter `json:"filter"`
}

// ClaimResponse carries the reserved slot.
type ClaimResponse struct {
	Slot types.JobSlot `json:"slot"`
}

// ReleaseRequest gives a reserved slot back.
type ReleaseRequest struct {
	Owner    string `json:"owner"`
	Index    int    `json:"index"`
	Consumed bool   `json:"consumed"`
}

// HeartbeatRequest renews an owner lease.
type HeartbeatRequest struct {
	Owner string `json:"owner"`
}

// SnapshotResponse lists every slot.
type SnapshotResponse struct {
	Slots []types.JobSlot `json:"slots"`
}

// SlotServer exposes a cache.SlotStore to dispatchers in other processes.
type SlotServer struct {
	slots cache.SlotStore
	log   *slog.Logger
}

// NewSlotServer creates a server over slots.
func NewSlotServer(slots cache.SlotStore, log *slog.Logger) *SlotServer {
	if log == nil {
		log = slog.Default()
	}
	return &SlotServer{slots: slots, log: log.With("component", "slot-server")}
}

// Register adds the slot service to g.
func (s *SlotServer) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// Serve runs a gRPC server on lis until ctx is cancelled.
func (s *SlotServer) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	s.Register(g)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()
	s.log.Info("slot server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		g.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *SlotServer) Claim(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ClaimRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	slot, err := s.slots.Claim(ctx, req.Owner, req.Filter)
	if err != nil {
		return nil, ToStatus(err)
	}
	s.log.Debug("slot claimed", "owner", req.Owner, "slot", slot.Index, "result_id", slot.ResultID)
	return encodeResponse(ClaimResponse{Slot: slot})
}

func (s *SlotServer) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ReleaseRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.slots.Release(ctx, req.Owner, req.Index, req.Consumed); err != nil {
		return nil, ToStatus(err)
	}
	return encodeResponse(struct{}{})
}

func (s *SlotServer) Heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HeartbeatRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.slots.Heartbeat(ctx, req.Owner); err != nil {
		return nil, ToStatus(err)
	}
	return encodeResponse(struct{}{})
}

func (s *SlotServer) Snapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	slots, err := s.slots.Snapshot(ctx)
	if err != nil {
		return nil, ToStatus(err)
	}
	return encodeResponse(SnapshotResponse{Slots: slots})
}

func encodeResponse(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ToStatus maps cache errors onto gRPC status codes.
func ToStatus(err error) error {
	switch {
	case errors.Is(err, cache.ErrNoSlot):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, cache.ErrNotOwner):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, cache.ErrBadIndex):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus maps a gRPC error back onto cache errors where one applies.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return cache.ErrNoSlot
	case codes.FailedPrecondition:
		return cache.ErrNotOwner
	case codes.OutOfRange:
		return cache.ErrBadIndex
	default:
		return err
	}
}
