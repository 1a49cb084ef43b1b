/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agentrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name job backends
// register under.
const ServiceName = "ignitiond.jobplugin.v1.JobBackend"

// JobBackendServer is implemented by an external job-backend plugin.
type JobBackendServer interface {
	Execute(ctx context.Context, req *JobRequest) (*JobResult, error)
	GetCapabilities(ctx context.Context, req *CapabilitiesRequest) (*CapabilitiesResponse, error)
	Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
}

// JobBackendClient is the stub ignitiond's internal/jobagent dials when a
// job kind is delegated to an external backend instead of run in-process.
type JobBackendClient interface {
	Execute(ctx context.Context, req *JobRequest, opts ...grpc.CallOption) (*JobResult, error)
	GetCapabilities(ctx context.Context, req *CapabilitiesRequest, opts ...grpc.CallOption) (*CapabilitiesResponse, error)
	Health(ctx context.Context, req *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type jobBackendClient struct {
	cc grpc.ClientConnInterface
}

// NewJobBackendClient wraps a ClientConn in the JobBackendClient stub.
func NewJobBackendClient(cc grpc.ClientConnInterface) JobBackendClient {
	return &jobBackendClient{cc: cc}
}

func (c *jobBackendClient) Execute(ctx context.Context, req *JobRequest, opts ...grpc.CallOption) (*JobResult, error) {
	out := new(JobResult)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Execute", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobBackendClient) GetCapabilities(ctx context.Context, req *CapabilitiesRequest, opts ...grpc.CallOption) (*CapabilitiesResponse, error) {
	out := new(CapabilitiesResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetCapabilities", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobBackendClient) Health(ctx context.Context, req *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Health", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func jobBackendExecuteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(JobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobBackendServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Execute"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobBackendServer).Execute(ctx, req.(*JobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func jobBackendGetCapabilitiesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CapabilitiesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobBackendServer).GetCapabilities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetCapabilities"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobBackendServer).GetCapabilities(ctx, req.(*CapabilitiesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func jobBackendHealthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobBackendServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Health"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobBackendServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-built grpc.ServiceDesc job backends register
// with grpc.Server.RegisterService, in place of the code protoc would
// otherwise generate from a .proto file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobBackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: jobBackendExecuteHandler},
		{MethodName: "GetCapabilities", Handler: jobBackendGetCapabilitiesHandler},
		{MethodName: "Health", Handler: jobBackendHealthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ignitiond/jobplugin/v1/jobbackend",
}
