package coordinatorpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// BackendServiceName is the fully qualified gRPC service name backends
// register and coordinators dial.
const BackendServiceName = "coordinatorpb.BackendService"

// BackendServiceClient is the coordinator-side view of a backend worker:
// starting and cancelling fragment instances.
type BackendServiceClient interface {
	ExecPlanFragment(ctx context.Context, in *ExecPlanFragmentRequest, opts ...grpc.CallOption) (*ExecPlanFragmentResponse, error)
	CancelPlanFragment(ctx context.Context, in *CancelPlanFragmentRequest, opts ...grpc.CallOption) (*CancelPlanFragmentResponse, error)
}

type backendServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewBackendServiceClient adapts an established connection into a
// BackendServiceClient.
func NewBackendServiceClient(cc grpc.ClientConnInterface) BackendServiceClient {
	return &backendServiceClient{cc: cc}
}

func (c *backendServiceClient) ExecPlanFragment(ctx context.Context, in *ExecPlanFragmentRequest, opts ...grpc.CallOption) (*ExecPlanFragmentResponse, error) {
	out := new(ExecPlanFragmentResponse)
	if err := c.cc.Invoke(ctx, "/"+BackendServiceName+"/ExecPlanFragment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendServiceClient) CancelPlanFragment(ctx context.Context, in *CancelPlanFragmentRequest, opts ...grpc.CallOption) (*CancelPlanFragmentResponse, error) {
	out := new(CancelPlanFragmentResponse)
	if err := c.cc.Invoke(ctx, "/"+BackendServiceName+"/CancelPlanFragment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CoordinatorServiceClient is the backend-side view of the coordinator:
// reporting fragment status.
type CoordinatorServiceClient interface {
	ReportExecStatus(ctx context.Context, in *ReportExecStatusRequest, opts ...grpc.CallOption) (*ReportExecStatusResponse, error)
}

// CoordinatorServiceName is the fully qualified gRPC service name the
// coordinator's status-reporting endpoint is registered under.
const CoordinatorServiceName = "coordinatorpb.CoordinatorService"

type coordinatorServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorServiceClient(cc grpc.ClientConnInterface) CoordinatorServiceClient {
	return &coordinatorServiceClient{cc: cc}
}

func (c *coordinatorServiceClient) ReportExecStatus(ctx context.Context, in *ReportExecStatusRequest, opts ...grpc.CallOption) (*ReportExecStatusResponse, error) {
	out := new(ReportExecStatusResponse)
	if err := c.cc.Invoke(ctx, "/"+CoordinatorServiceName+"/ReportExecStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CoordinatorServiceServer is implemented by the coordinator to receive
// status reports from backends.
type CoordinatorServiceServer interface {
	ReportExecStatus(ctx context.Context, in *ReportExecStatusRequest) (*ReportExecStatusResponse, error)
}

// RegisterCoordinatorServiceServer wires srv into s under the service's
// well-known gRPC name.
func RegisterCoordinatorServiceServer(s grpc.ServiceRegistrar, srv CoordinatorServiceServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorServiceName,
	HandlerType: (*CoordinatorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportExecStatus",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(ReportExecStatusRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(CoordinatorServiceServer).ReportExecStatus(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + CoordinatorServiceName + "/ReportExecStatus"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(CoordinatorServiceServer).ReportExecStatus(ctx, req.(*ReportExecStatusRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinatorpb.proto",
}
