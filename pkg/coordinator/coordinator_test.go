package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/profile"
	"github.com/qcoord/coordinator/pkg/queryid"
	"github.com/qcoord/coordinator/pkg/schedule"
)

// fakeBackendClient is an in-memory stand-in for a worker backend. Tests
// simulate its remote fragments by feeding the Coordinator status reports
// through reportDone; the Coordinator under test never sees the difference.
type fakeBackendClient struct {
	mu                 sync.Mutex
	addr               string
	execCalls          int
	cancelCalls        int
	rejectExec         bool
	rejectMessage      string
	transportFailTimes int
	lastCancelInstance queryid.FragmentInstanceID
}

func (f *fakeBackendClient) ExecPlanFragment(ctx context.Context, in *coordinatorpb.ExecPlanFragmentRequest, opts ...grpc.CallOption) (*coordinatorpb.ExecPlanFragmentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	if f.execCalls <= f.transportFailTimes {
		return nil, errors.New("transport error")
	}
	if f.rejectExec {
		return &coordinatorpb.ExecPlanFragmentResponse{Accepted: false, Error: f.rejectMessage}, nil
	}
	return &coordinatorpb.ExecPlanFragmentResponse{Accepted: true}, nil
}

func (f *fakeBackendClient) CancelPlanFragment(ctx context.Context, in *coordinatorpb.CancelPlanFragmentRequest, opts ...grpc.CallOption) (*coordinatorpb.CancelPlanFragmentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	f.lastCancelInstance = in.InstanceID
	return &coordinatorpb.CancelPlanFragmentResponse{}, nil
}

func (f *fakeBackendClient) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

func (f *fakeBackendClient) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

func (f *fakeBackendClient) cancelledInstance() queryid.FragmentInstanceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCancelInstance
}

// fakeClientInvalidator is an in-memory stand-in for
// backendclient.Pool.RemoveClientFor: it records which addresses had
// their cached client forgotten, the way the real pool would after a
// transport failure, so a test can assert the retry path actually
// invalidates before redialing rather than resubmitting through the same
// broken connection.
type fakeClientInvalidator struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeClientInvalidator) invalidate(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, addr)
}

func (f *fakeClientInvalidator) invalidatedAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

// fakeLocalExecutor is a minimal LocalExecutor double that returns a
// fixed number of batches then signals end of stream. It records the
// order Prepare/Open/GetNext are called in, so tests can assert Exec
// prepares the local fragment before issuing any remote RPC.
type fakeLocalExecutor struct {
	mu           sync.Mutex
	batches      int
	reachedLimit bool
	cancelled    bool
	openErr      error
	prepareErr   error
	calls        []string
}

func (f *fakeLocalExecutor) Prepare(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "prepare")
	return f.prepareErr
}

func (f *fakeLocalExecutor) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "open")
	return f.openErr
}

func (f *fakeLocalExecutor) GetNext(ctx context.Context) (*RowBatch, bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batches <= 0 {
		return nil, true, f.reachedLimit, nil
	}
	f.batches--
	return &RowBatch{Rows: [][]byte{[]byte("row")}}, false, false, nil
}

func (f *fakeLocalExecutor) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *fakeLocalExecutor) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeLocalExecutor) Profile() *profile.Node { return profile.NewNode("local") }

func (f *fakeLocalExecutor) WriteSideEffects() *InsertExecStatus { return nil }

func threeInstanceSchedule(qid queryid.QueryID) (schedule.QuerySchedule, []*fakeBackendClient) {
	clients := make([]*fakeBackendClient, 3)
	instances := make([]schedule.InstanceExecParams, 3)
	for i := range instances {
		clients[i] = &fakeBackendClient{addr: "backend-" + string(rune('a'+i))}
		instances[i] = schedule.InstanceExecParams{
			InstanceID:   queryid.ChildFragmentInstanceID(qid, 1, i),
			BackendNum:   int32(i),
			BackendAddr:  clients[i].addr,
			PerNodeScans: map[int32]int64{0: 1000},
		}
	}

	sched := schedule.QuerySchedule{
		QueryID: qid,
		Fragments: []schedule.FragmentExecParams{
			{Fragment: schedule.PlanFragment{Idx: 0, IsCoordinatorFragment: true}},
			{Fragment: schedule.PlanFragment{Idx: 1}, Instances: instances},
		},
	}
	return sched, clients
}

func clientProviderFor(clients []*fakeBackendClient) ClientProviderFunc {
	byAddr := make(map[string]*fakeBackendClient, len(clients))
	for _, c := range clients {
		byAddr[c.addr] = c
	}
	return func(addr string) (coordinatorpb.BackendServiceClient, error) {
		return byAddr[addr], nil
	}
}

// noopInvalidate is used by tests that don't exercise the retry-reopen
// path and have no need to observe invalidation.
var noopInvalidate ClientInvalidatorFunc = func(string) {}

func reportDone(t *testing.T, c *Coordinator, backendNum int32, status Status) {
	t.Helper()
	profileDelta := profile.NewNode("instance")
	profileDelta.AddCounter("rows_read", 10, "")
	c.UpdateFragmentExecStatus(ExecStatusReport{
		BackendNum:              backendNum,
		Status:                  status,
		Done:                    true,
		ProfileDelta:            profileDelta,
		ScanRangesCompleteDelta: map[int32]int64{0: 1000},
	})
}

func TestPeakMemoryAndPerScanNodeCountersAggregateAcrossBackends(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)

	c := New(sched, clientProviderFor(clients), noopInvalidate, nil, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	reportMemAndScan := func(backendNum int32, memUsage int64, scanRanges, bytesRead int64, done bool) {
		profileDelta := profile.NewNode("instance")
		profileDelta.AddCounter(peakMemoryCounterName, memUsage, "bytes")
		c.UpdateFragmentExecStatus(ExecStatusReport{
			BackendNum:              backendNum,
			Status:                  OK,
			Done:                    done,
			ProfileDelta:            profileDelta,
			ScanRangesCompleteDelta: map[int32]int64{0: scanRanges},
			BytesReadDelta:          map[int32]int64{0: bytesRead},
		})
	}

	reportMemAndScan(0, 100, 10, 1000, false)
	reportMemAndScan(0, 150, 5, 500, true)
	reportMemAndScan(1, 200, 20, 2000, true)
	reportMemAndScan(2, 50, 15, 1500, true)

	require.NoError(t, c.Wait(context.Background()))

	peaks := c.peakMemory.PerHostPeaks()
	assert.Equal(t, int64(150), peaks[clients[0].addr])
	assert.Equal(t, int64(200), peaks[clients[1].addr])
	assert.Equal(t, int64(50), peaks[clients[2].addr])

	summary := c.ReportQuerySummary()
	ranges, ok := summary.Profile.Derived("scan_node_0_total_scan_ranges_complete")
	require.True(t, ok)
	assert.Equal(t, int64(10+5+20+15), ranges)

	bytesRead, ok := summary.Profile.Derived("scan_node_0_total_bytes_read")
	require.True(t, ok)
	assert.Equal(t, int64(1000+500+2000+1500), bytesRead)
}

func TestHappyPathWithLocalFragment(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	local := &fakeLocalExecutor{batches: 2}

	c := New(sched, clientProviderFor(clients), noopInvalidate, local, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	// Wait only opens the local fragment and returns promptly; it must
	// not block until the remote backends finish, or streaming local rows
	// concurrently with remote execution would be pointless.
	require.NoError(t, c.Wait(context.Background()))

	batch, eos, err := c.GetNext(context.Background())
	require.NoError(t, err)
	require.False(t, eos)
	require.NotNil(t, batch)

	batch, eos, err = c.GetNext(context.Background())
	require.NoError(t, err)
	require.False(t, eos)

	for i := int32(0); i < 3; i++ {
		reportDone(t, c, i, OK)
	}

	batch, eos, err = c.GetNext(context.Background())
	require.NoError(t, err)
	require.True(t, eos)
	require.Nil(t, batch)

	summary := c.ReportQuerySummary()
	assert.True(t, summary.Status.IsOK())
	// averaged + grouping for fragment 1 (remote), plus the local
	// fragment's own profile (aliased in directly) and its grouping node.
	require.Len(t, summary.Profile.Children, 4)
}

func TestExecPreparesLocalFragmentBeforeRemoteRPCs(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	local := &fakeLocalExecutor{batches: 0}

	c := New(sched, clientProviderFor(clients), noopInvalidate, local, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	local.mu.Lock()
	calls := append([]string(nil), local.calls...)
	local.mu.Unlock()

	require.Equal(t, []string{"prepare"}, calls, "Open must not happen until Wait, and Prepare must precede any remote RPC")
	for _, cl := range clients {
		assert.Equal(t, 1, cl.execCount())
	}
}

func TestGetNextCancelsRemoteFragmentsOnRowLimit(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	local := &fakeLocalExecutor{batches: 1, reachedLimit: true}

	c := New(sched, clientProviderFor(clients), noopInvalidate, local, nil, nil)
	require.NoError(t, c.Exec(context.Background()))
	require.NoError(t, c.Wait(context.Background()))

	batch, eos, err := c.GetNext(context.Background())
	require.NoError(t, err)
	require.False(t, eos)
	require.NotNil(t, batch)

	// The local fragment reports eos with reachedLimit set, so GetNext
	// must cancel the remote fragments and the local stream itself, then
	// block until all 3 remote backends have reported, before returning
	// the final nil batch.
	done := make(chan struct{})
	var eosErr error
	var finalBatch *RowBatch
	var finalEOS bool
	go func() {
		finalBatch, finalEOS, eosErr = c.GetNext(context.Background())
		close(done)
	}()

	// cancelRemoteFragments dispatches cancel RPCs concurrently with this
	// goroutine; wait for them to land before simulating each backend's
	// resulting done report, so a report doesn't race ahead of the cancel
	// that provoked it.
	require.Eventually(t, func() bool {
		for _, cl := range clients {
			if cl.cancelCount() != 1 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	for i := int32(0); i < 3; i++ {
		reportDone(t, c, i, Cancelled)
	}
	<-done

	require.NoError(t, eosErr)
	require.True(t, finalEOS)
	require.Nil(t, finalBatch)

	for _, cl := range clients {
		assert.Equal(t, 1, cl.cancelCount())
	}
	assert.True(t, local.isCancelled())

	// Cancelling remote fragments to respect a satisfied row limit is a
	// successful outcome, not a query failure: the late CANCELLED reports
	// must not flip query_status.
	summary := c.ReportQuerySummary()
	assert.True(t, summary.Status.IsOK())
}

func TestBackendFailureMidFlightCancelsOthers(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	local := &fakeLocalExecutor{batches: 0}

	c := New(sched, clientProviderFor(clients), noopInvalidate, local, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	reportDone(t, c, 1, NewError(CodeWorker, "parse error"))

	// The failing report must adopt query_status and trigger cancellation
	// of the other in-flight instances.
	c.Cancel()

	_, eos, err := c.GetNext(context.Background())
	require.True(t, eos)
	require.Error(t, err)

	err = c.Wait(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, clients[0].cancelCount())
	assert.Equal(t, 1, clients[2].cancelCount())
}

func TestDuplicateCancelSendsOneRPCPerInstance(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)

	c := New(sched, clientProviderFor(clients), noopInvalidate, nil, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
	}
	wg.Wait()

	for _, cl := range clients {
		assert.Equal(t, 1, cl.cancelCount())
	}

	c.mu.Lock()
	status := c.queryStatus
	c.mu.Unlock()
	assert.Equal(t, CodeCancelled, status.Code)
}

func TestLateOKAfterCancelDoesNotRevertStatus(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)

	c := New(sched, clientProviderFor(clients), noopInvalidate, nil, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	c.Cancel()

	st := c.stateFor(0)
	reportDone(t, c, 0, OK)

	status, done := st.snapshotStatus()
	assert.True(t, done)
	assert.Equal(t, CodeCancelled, status.Code)

	c.mu.Lock()
	queryStatus := c.queryStatus
	c.mu.Unlock()
	assert.Equal(t, CodeCancelled, queryStatus.Code)
}

func TestExecFailureAdoptsWorkerRejectionStatus(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	clients[1].rejectExec = true
	clients[1].rejectMessage = "backend overloaded"

	c := New(sched, clientProviderFor(clients), noopInvalidate, nil, nil, nil)
	err := c.Exec(context.Background())
	require.Error(t, err)

	c.mu.Lock()
	status := c.queryStatus
	c.mu.Unlock()
	assert.Equal(t, CodeWorker, status.Code)
}

func TestExecRetryReopensClientOnTransportFailure(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	clients[1].transportFailTimes = 1

	invalidator := &fakeClientInvalidator{}
	c := New(sched, clientProviderFor(clients), invalidator.invalidate, nil, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	// The first attempt failed at the transport level and must have
	// invalidated the cached client for that address before the retry
	// redialed and succeeded.
	assert.Equal(t, []string{clients[1].addr}, invalidator.invalidatedAddrs())
	assert.Equal(t, 2, clients[1].execCount())
	assert.True(t, c.stateFor(1).isInitiated())
}

func TestCancelSendsInstanceIDPerInstance(t *testing.T) {
	qid := queryid.New()
	sched, clients := threeInstanceSchedule(qid)
	instances := sched.Fragments[1].Instances

	c := New(sched, clientProviderFor(clients), noopInvalidate, nil, nil, nil)
	require.NoError(t, c.Exec(context.Background()))

	c.Cancel()

	// Each cancel RPC must target its own fragment instance, not just the
	// query as a whole: a backend can run instances of more than one
	// fragment of the same query.
	for i, cl := range clients {
		assert.Equal(t, instances[i].InstanceID, cl.cancelledInstance())
	}
}
