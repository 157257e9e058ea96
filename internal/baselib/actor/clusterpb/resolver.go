// Package clusterpb exposes cluster-membership resolution as a small gRPC
// service: given a cluster name, answer with the "host[:port]" addresses a
// WithCluster remote actor should fan its RoundRobinBalancer out over.
//
// This exists alongside the static clusters map (config.go, System.SetClusters)
// for the case where cluster membership isn't known up front from an
// actors.json file but is instead owned by a separate rendezvous process
// (cmd/actorsrv's --cluster-store, backed by sqlite) that can add or remove
// members while the system is running. The wire messages are the
// already-generated google.golang.org/protobuf well-known types
// (structpb.Value) rather than a hand-rolled .proto/.pb.go pair, which keeps
// this package a plain consumer of the protobuf/grpc modules instead of a
// from-scratch protoreflect implementation.
package clusterpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceName is the fully-qualified gRPC service name, matching the
// convention protoc-gen-go-grpc would have produced for a
// "clusterpb.ClusterResolver" service declared in a .proto file.
const serviceName = "clusterpb.ClusterResolver"

// ResolverServer is implemented by anything that can answer a cluster-name
// lookup with its member addresses.
type ResolverServer interface {
	Resolve(ctx context.Context, req *structpb.Value) (*structpb.Value, error)
}

// ServiceDesc is the grpc.ServiceDesc a ResolverServer registers itself
// under, shaped the way protoc-gen-go-grpc emits one.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ResolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Resolve",
			Handler:    _ClusterResolver_Resolve_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/baselib/actor/clusterpb/resolver.proto",
}

func _ClusterResolver_Resolve_Handler(
	srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {

	in := new(structpb.Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResolverServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/Resolve",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ResolverServer).Resolve(ctx, req.(*structpb.Value))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterResolverServer registers srv with a grpc.Server (or any other
// grpc.ServiceRegistrar, e.g. for in-process testing).
func RegisterResolverServer(s grpc.ServiceRegistrar, srv ResolverServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ResolverClient dials the ClusterResolver service over an established
// grpc.ClientConn.
type ResolverClient struct {
	cc grpc.ClientConnInterface
}

// NewResolverClient wraps cc as a ResolverClient.
func NewResolverClient(cc grpc.ClientConnInterface) *ResolverClient {
	return &ResolverClient{cc: cc}
}

// Resolve asks the server for the current member list of cluster name.
func (c *ResolverClient) Resolve(ctx context.Context, name string, opts ...grpc.CallOption) ([]string, error) {
	req := structpb.NewStringValue(name)
	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Resolve", req, out, opts...); err != nil {
		return nil, err
	}
	return valuesToHosts(out.GetListValue()), nil
}

// HostsToValue packs a host list into the structpb.Value wire shape a
// ResolverServer implementation should return from Resolve.
func HostsToValue(hosts []string) *structpb.Value {
	values := make([]*structpb.Value, len(hosts))
	for i, h := range hosts {
		values[i] = structpb.NewStringValue(h)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

// NameFromValue unpacks the cluster name out of a Resolve request.
func NameFromValue(req *structpb.Value) string {
	return req.GetStringValue()
}

func valuesToHosts(list *structpb.ListValue) []string {
	if list == nil {
		return nil
	}
	hosts := make([]string, len(list.GetValues()))
	for i, v := range list.GetValues() {
		hosts[i] = v.GetStringValue()
	}
	return hosts
}
