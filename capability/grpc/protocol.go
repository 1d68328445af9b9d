// Package grpc runs capability packages as separate processes.
//
// A process capability is an executable with its own go.mod that serves
// the transmute.capability.v1.Capability service on the port passed as
// --port. The host launches it, waits for the port, and talks to it
// through Proxy. Capability authors call Main from their binary.
//
// Messages are google.protobuf.Struct values, so the service needs no
// generated code on either side.
package grpc

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
)

const (
	serviceName    = "transmute.capability.v1.Capability"
	describeMethod = "/" + serviceName + "/Describe"
	validateMethod = "/" + serviceName + "/Validate"
	executeMethod  = "/" + serviceName + "/Execute"
)

// capabilityService is the server-side contract the service descriptor dispatches to
type capabilityService interface {
	Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Validate(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Execute(*structpb.Struct, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*capabilityService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: describeHandler},
		{MethodName: "Validate", Handler: validateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Execute", Handler: executeHandler, ServerStreams: true},
	},
	Metadata: "transmute/capability/v1/capability.proto",
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(capabilityService).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(capabilityService).Describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func validateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(capabilityService).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: validateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(capabilityService).Validate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func executeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(capabilityService).Execute(in, stream)
}

// Message fields
const (
	fieldName        = "name"
	fieldDescription = "description"
	fieldVersion     = "version"
	fieldArtifact    = "artifact"
	fieldParameters  = "parameters"
	fieldProgress    = "progress"
	fieldPath        = "path"
	fieldContent     = "content" // base64
	fieldSummary     = "summary"
)

// paramsToValue converts raw JSON parameters into a protobuf value
func paramsToValue(raw json.RawMessage) (*structpb.Value, error) {
	if len(raw) == 0 {
		return structpb.NewStructValue(&structpb.Struct{}), nil
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.Wrap(err, "parameters are not valid JSON")
	}
	v, err := structpb.NewValue(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "parameters cannot be encoded")
	}
	return v, nil
}

// valueToParams converts a protobuf value back into raw JSON
func valueToParams(v *structpb.Value) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(v.AsInterface())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode parameters")
	}
	return data, nil
}

func progressMessage(text string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldProgress: structpb.NewStringValue(text),
	}}
}

func changeMessage(c capability.Change) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPath:    structpb.NewStringValue(c.Path),
		fieldContent: structpb.NewStringValue(base64.StdEncoding.EncodeToString(c.Content)),
	}}
}

func summaryMessage(summary string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSummary: structpb.NewStringValue(summary),
	}}
}

func stringField(s *structpb.Struct, key string) (string, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", false
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return str.StringValue, true
}
