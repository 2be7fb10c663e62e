package coordinator

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/queryid"
)

// TestReportExecStatusOverRealGRPC exercises the actual gRPC
// server/client plumbing (custom JSON codec included) for the one RPC
// this module implements a concrete server for; everything else in this
// package's tests drives Coordinator methods directly.
func TestReportExecStatusOverRealGRPC(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	c := New(sched, clientProviderFor(clients), noopInvalidate, nil, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	registry := NewRegistry()
	registry.Register(c)

	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	coordinatorpb.RegisterCoordinatorServiceServer(grpcServer, NewServer(registry))
	go func() { _ = grpcServer.Serve(lis) }()
	defer grpcServer.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := coordinatorpb.NewCoordinatorServiceClient(conn)

	resp, err := client.ReportExecStatus(context.Background(), &coordinatorpb.ReportExecStatusRequest{
		QueryID:            qid,
		BackendNum:         0,
		StatusCode:         coordinatorpb.StatusOK,
		Done:               true,
		DeltaScanBytesDone: map[int32]int64{0: 1000},
	})
	require.NoError(t, err)
	require.Equal(t, coordinatorpb.StatusOK, resp.StatusCode)

	status, done := c.stateFor(0).snapshotStatus()
	require.True(t, done)
	require.True(t, status.IsOK())
}
