package grpcclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type healthClientMock struct {
	grpc_health_v1.HealthClient
	err atomic.Error
}

func (h *healthClientMock) Check(ctx context.Context, in *grpc_health_v1.HealthCheckRequest, opts ...grpc.CallOption) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{
		Status: grpc_health_v1.HealthCheckResponse_SERVING,
	}, h.err.Load()
}

func poll(t *testing.T, timeout time.Duration, want interface{}, got func() interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if got() == want {
			return
		}
		if time.Now().After(deadline) {
			require.Equal(t, want, got())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthCheckInterceptorTracksUnhealthyThenRecovers(t *testing.T) {
	i := NewHealthCheckInterceptors(log.NewNopLogger())

	hMock := &healthClientMock{}
	i.healthClientFactory = func(cc grpc.ClientConnInterface) grpc_health_v1.HealthClient {
		return hMock
	}

	cfg := &ConfigWithHealthCheck{
		HealthCheckConfig: HealthCheckConfig{
			UnhealthyThreshold: 2,
			Interval:           0,
			Timeout:            time.Second,
		},
	}

	cc, err := grpc.NewClient("localhost:999", grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ui := i.UnaryHealthCheckInterceptor(cfg)
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return nil
	}

	require.NoError(t, ui(context.Background(), "", struct{}{}, struct{}{}, cc, invoker))
	require.Len(t, i.registeredInstances(), 1)

	hMock.err.Store(errors.New("some error"))
	require.NoError(t, i.iteration(context.Background()))
	require.NoError(t, i.iteration(context.Background()))

	poll(t, time.Second, unhealthyErr, func() interface{} {
		return ui(context.Background(), "", struct{}{}, struct{}{}, cc, invoker)
	})

	hMock.err.Store(nil)
	require.NoError(t, i.iteration(context.Background()))
	poll(t, time.Second, error(nil), func() interface{} {
		return ui(context.Background(), "", struct{}{}, struct{}{}, cc, invoker)
	})
}
