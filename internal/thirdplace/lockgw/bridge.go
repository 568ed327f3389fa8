package lockgw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/thirdplace/server/internal/thirdplace/types"
)

// BridgeServiceName is the gRPC service a lock bridge exposes.  Messages are
// google.protobuf.Struct so bridges need no generated code.
const BridgeServiceName = "thirdplace.lock.v1.LockBridge"

const (
	bridgeProvision = "/" + BridgeServiceName + "/Provision"
	bridgeRevoke    = "/" + BridgeServiceName + "/Revoke"
	bridgeVerify    = "/" + BridgeServiceName + "/Verify"
)

// Bridge is a Gateway whose vendor integration runs in another process.
type Bridge struct {
	conn grpc.ClientConnInterface
}

func NewBridge(conn grpc.ClientConnInterface) *Bridge {
	return &Bridge{conn: conn}
}

func (b *Bridge) Provision(ctx context.Context, gc GrantContext) (Provisioned, error) {
	req, err := grantContextToStruct(gc)
	if err != nil {
		return Provisioned{}, err
	}
	out := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, bridgeProvision, req, out); err != nil {
		return Provisioned{}, fromStatus(err)
	}
	return provisionedFromStruct(out)
}

func (b *Bridge) Revoke(ctx context.Context, grantID string) error {
	req, err := structpb.NewStruct(map[string]any{"grant_id": grantID})
	if err != nil {
		return err
	}
	if err := b.conn.Invoke(ctx, bridgeRevoke, req, new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (b *Bridge) Verify(ctx context.Context, grantID string) (Verification, error) {
	req, err := structpb.NewStruct(map[string]any{"grant_id": grantID})
	if err != nil {
		return Verification{}, err
	}
	out := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, bridgeVerify, req, out); err != nil {
		return Verification{}, fromStatus(err)
	}
	v := Verification{Valid: out.GetFields()["valid"].GetBoolValue()}
	if raw := out.GetFields()["expires_at"].GetStringValue(); raw != "" {
		if v.ExpiresAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return Verification{}, fmt.Errorf("bridge verify: expires_at: %w", err)
		}
	}
	return v, nil
}

// RegisterBridgeServer exposes gw as a lock bridge on s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, gw Gateway) {
	s.RegisterService(&bridgeServiceDesc, gw)
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: BridgeServiceName,
	HandlerType: (*Gateway)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Provision", Handler: unary(bridgeProvision, handleProvision)},
		{MethodName: "Revoke", Handler: unary(bridgeRevoke, handleRevoke)},
		{MethodName: "Verify", Handler: unary(bridgeVerify, handleVerify)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "thirdplace/lock/v1/bridge.proto",
}

type bridgeHandler func(ctx context.Context, gw Gateway, req *structpb.Struct) (any, error)

func unary(method string, h bridgeHandler) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return h(ctx, srv.(Gateway), req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method}, call)
	}
}

func handleProvision(ctx context.Context, gw Gateway, req *structpb.Struct) (any, error) {
	gc, err := grantContextFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	p, err := gw.Provision(ctx, gc)
	if err != nil {
		return nil, toStatus(err)
	}
	payload := p.Payload
	if payload == nil {
		payload = &structpb.Struct{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"access_type": structpb.NewStringValue(string(p.AccessType)),
		"payload":     structpb.NewStructValue(payload),
	}}, nil
}

func handleRevoke(ctx context.Context, gw Gateway, req *structpb.Struct) (any, error) {
	grantID := req.GetFields()["grant_id"].GetStringValue()
	if grantID == "" {
		return nil, status.Error(codes.InvalidArgument, "grant_id is required")
	}
	if err := gw.Revoke(ctx, grantID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func handleVerify(ctx context.Context, gw Gateway, req *structpb.Struct) (any, error) {
	grantID := req.GetFields()["grant_id"].GetStringValue()
	if grantID == "" {
		return nil, status.Error(codes.InvalidArgument, "grant_id is required")
	}
	v, err := gw.Verify(ctx, grantID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"valid":      v.Valid,
		"expires_at": v.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

func grantContextToStruct(gc GrantContext) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"grant_id":       gc.GrantID,
		"envelope_id":    gc.EnvelopeID,
		"lock_id":        gc.LockID,
		"valid_from":     gc.ValidFrom.UTC().Format(time.RFC3339Nano),
		"valid_until":    gc.ValidUntil.UTC().Format(time.RFC3339Nano),
		"attendance_cap": gc.AttendanceCap,
	})
}

func grantContextFromStruct(s *structpb.Struct) (GrantContext, error) {
	f := s.GetFields()
	gc := GrantContext{
		GrantID:       f["grant_id"].GetStringValue(),
		EnvelopeID:    f["envelope_id"].GetStringValue(),
		LockID:        f["lock_id"].GetStringValue(),
		AttendanceCap: int(f["attendance_cap"].GetNumberValue()),
	}
	if gc.GrantID == "" || gc.LockID == "" {
		return GrantContext{}, errors.New("grant_id and lock_id are required")
	}
	var err error
	if gc.ValidFrom, err = time.Parse(time.RFC3339Nano, f["valid_from"].GetStringValue()); err != nil {
		return GrantContext{}, fmt.Errorf("valid_from: %w", err)
	}
	if gc.ValidUntil, err = time.Parse(time.RFC3339Nano, f["valid_until"].GetStringValue()); err != nil {
		return GrantContext{}, fmt.Errorf("valid_until: %w", err)
	}
	return gc, nil
}

func provisionedFromStruct(s *structpb.Struct) (Provisioned, error) {
	f := s.GetFields()
	at := types.AccessType(f["access_type"].GetStringValue())
	if !at.Valid() {
		return Provisioned{}, fmt.Errorf("bridge provision: unknown access type %q", at)
	}
	return Provisioned{AccessType: at, Payload: f["payload"].GetStructValue()}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnknownGrant):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

func fromStatus(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrUnknownGrant, status.Convert(err).Message())
	}
	return fmt.Errorf("lock bridge: %w", err)
}
