// Package gate is the SCADA gate service: a gRPC client router used by the controller
// and a simulator server that stands in for the field gates.
package gate

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

const ServiceName = "scada.v1.GateService"

const (
	methodOpen   = "/" + ServiceName + "/Open"
	methodClose  = "/" + ServiceName + "/Close"
	methodStatus = "/" + ServiceName + "/Status"
)

// GateServer is the server side of scada.v1.GateService. Messages are google.protobuf.Struct.
type GateServer interface {
	Open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Close(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterGateServer(s grpc.ServiceRegistrar, srv GateServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: unary(methodOpen, GateServer.Open)},
		{MethodName: "Close", Handler: unary(methodClose, GateServer.Close)},
		{MethodName: "Status", Handler: unary(methodStatus, GateServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scada/v1/gate.proto",
}

func unary(fullMethod string, call func(GateServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GateServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GateServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ===================== Messages =====================

// Status is the gate state as reported by the Status RPC.
type Status struct {
	FieldID   string
	State     entities.GateState
	FlowM3s   float64
	CommandID string
	ChangedAt time.Time
}

func commandRequest(fieldID string, flowM3s float64) (*structpb.Struct, error) {
	m := map[string]any{"field_id": fieldID}
	if flowM3s > 0 {
		m["flow_m3s"] = flowM3s
	}
	return structpb.NewStruct(m)
}

func commandResponse(r entities.GateCommandResult) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"accepted":   structpb.NewBoolValue(r.Accepted),
		"command_id": structpb.NewStringValue(r.CommandID),
		"message":    structpb.NewStringValue(r.Message),
	}}
}

func parseCommandResponse(s *structpb.Struct) entities.GateCommandResult {
	f := s.GetFields()
	return entities.GateCommandResult{
		Accepted:  f["accepted"].GetBoolValue(),
		CommandID: f["command_id"].GetStringValue(),
		Message:   f["message"].GetStringValue(),
	}
}

func statusResponse(st Status) *structpb.Struct {
	changed := ""
	if !st.ChangedAt.IsZero() {
		changed = st.ChangedAt.UTC().Format(time.RFC3339Nano)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"field_id":   structpb.NewStringValue(st.FieldID),
		"state":      structpb.NewStringValue(string(st.State)),
		"flow_m3s":   structpb.NewNumberValue(st.FlowM3s),
		"command_id": structpb.NewStringValue(st.CommandID),
		"changed_at": structpb.NewStringValue(changed),
	}}
}

func parseStatus(s *structpb.Struct) (Status, error) {
	f := s.GetFields()
	st := Status{
		FieldID:   f["field_id"].GetStringValue(),
		State:     entities.GateState(f["state"].GetStringValue()),
		FlowM3s:   f["flow_m3s"].GetNumberValue(),
		CommandID: f["command_id"].GetStringValue(),
	}
	if st.State == "" {
		st.State = entities.GateUnknown
	}
	if raw := f["changed_at"].GetStringValue(); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return st, fmt.Errorf("bad changed_at %q: %w", raw, err)
		}
		st.ChangedAt = t
	}
	return st, nil
}
