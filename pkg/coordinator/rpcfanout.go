package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/queryid"
	utilbackoff "github.com/qcoord/coordinator/pkg/util"
	"github.com/qcoord/coordinator/pkg/util/concurrency"
)

// ClientProviderFunc resolves a backend address to an RPC client, letting
// pkg/coordinator stay independent of any particular connection-pool
// implementation. Production wiring supplies a closure over a
// backendclient.Pool; tests supply a fake.
type ClientProviderFunc func(addr string) (coordinatorpb.BackendServiceClient, error)

// ClientInvalidatorFunc forgets whatever client ClientProviderFunc
// cached for addr, so the next call to ClientProviderFunc redials
// instead of handing back the same broken connection. Production wiring
// supplies a closure over backendclient.Pool.RemoveClientFor; tests
// supply a fake that records which addresses were invalidated.
type ClientInvalidatorFunc func(addr string)

// defaultStartRPCBackoff governs the single retry the spec calls for when
// a start RPC fails for transport reasons (not a worker-reported error).
// util.Backoff counts every attempt against MaxRetries, so 2 allows the
// first attempt plus one retry.
var defaultStartRPCBackoff = utilbackoff.BackoffConfig{
	MinBackoff: 50 * time.Millisecond,
	MaxBackoff: 500 * time.Millisecond,
	MaxRetries: 2,
}

// execInstance starts one fragment instance on its assigned backend,
// retrying exactly once on a transport-level failure. The retry is a
// transparent reopen-and-retry against the backend client cache: a
// transport failure invalidates the cached client for this address
// before the retry, so the second attempt redials instead of resubmitting
// through the same broken connection. A worker-reported rejection
// (Accepted == false) is not retried and never invalidates the client,
// matching the distinction between "the RPC itself failed" and "the
// worker refused the work."
func execInstance(ctx context.Context, clientFor ClientProviderFunc, invalidate ClientInvalidatorFunc, state *BackendExecState, req *coordinatorpb.ExecPlanFragmentRequest) Status {
	backoff := utilbackoff.NewBackoff(defaultStartRPCBackoff, ctx.Done())

	var lastErr error
	for backoff.Ongoing() {
		client, err := clientFor(state.BackendAddr)
		if err != nil {
			lastErr = err
			backoff.Wait()
			continue
		}

		resp, err := client.ExecPlanFragment(ctx, req)
		if err != nil {
			lastErr = err
			invalidate(state.BackendAddr)
			backoff.Wait()
			continue
		}

		if !resp.Accepted {
			return NewError(CodeWorker, resp.Error)
		}

		state.markInitiated()
		return OK
	}

	return FromGRPCStatus(lastErr)
}

// execFragmentInstances starts every instance of one fragment in
// parallel, matching the spec's "parallel within a fragment" fan-out. It
// returns the first non-OK status encountered, if any, but lets every
// instance's start attempt run to completion rather than aborting the
// others: a worker that did start needs its BackendExecState marked
// initiated so Cancel later knows to reach it.
func execFragmentInstances(ctx context.Context, clientFor ClientProviderFunc, invalidate ClientInvalidatorFunc, states []*BackendExecState, reqs []*coordinatorpb.ExecPlanFragmentRequest, concurrencyLimit int) Status {
	type job struct {
		state *BackendExecState
		req   *coordinatorpb.ExecPlanFragmentRequest
	}

	jobs := make([]interface{}, len(states))
	for i := range states {
		jobs[i] = job{state: states[i], req: reqs[i]}
	}

	result := OK
	var resultMu sync.Mutex

	_ = concurrency.ForEach(ctx, jobs, concurrencyLimit, func(ctx context.Context, j interface{}) error {
		jj := j.(job)
		st := execInstance(ctx, clientFor, invalidate, jj.state, jj.req)
		if !st.IsOK() {
			jj.state.markStartFailed(st)
			resultMu.Lock()
			result = FirstNonOK(result, st)
			resultMu.Unlock()
		}
		// Never return an error here: a single instance's start failure
		// must not stop the rest of the fragment's instances from being
		// attempted, since each runs on an independent backend.
		return nil
	})

	return result
}

// cancelInstance sends a best-effort cancel RPC targeting this one
// fragment instance (not every instance its backend happens to be
// running for the query), retrying exactly once on transport failure
// like the start RPC and invalidating the cached client between
// attempts for the same reason. Failures are logged into the state but
// never escalated: by the time Cancel is called the query is already
// being torn down.
func cancelInstance(ctx context.Context, clientFor ClientProviderFunc, invalidate ClientInvalidatorFunc, state *BackendExecState, queryID queryid.QueryID) {
	if !state.markCancelRequested() {
		return
	}

	backoff := utilbackoff.NewBackoff(defaultStartRPCBackoff, ctx.Done())
	var lastErr error
	for backoff.Ongoing() {
		client, err := clientFor(state.BackendAddr)
		if err != nil {
			lastErr = err
			backoff.Wait()
			continue
		}

		_, err = client.CancelPlanFragment(ctx, &coordinatorpb.CancelPlanFragmentRequest{QueryID: queryID, InstanceID: state.InstanceID})
		if err != nil {
			lastErr = err
			invalidate(state.BackendAddr)
			backoff.Wait()
			continue
		}
		return
	}

	if lastErr != nil {
		state.noteCancelRPCFailure(lastErr.Error())
	}
}
