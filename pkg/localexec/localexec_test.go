package localexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qcoord/coordinator/pkg/coordinator"
)

func TestChannelExecutorStreamsUntilClosed(t *testing.T) {
	exec := NewChannelExecutor()
	exec.Batches <- &coordinator.RowBatch{Rows: [][]byte{[]byte("a")}}
	exec.Batches <- &coordinator.RowBatch{Rows: [][]byte{[]byte("b")}}
	close(exec.Batches)

	ctx := context.Background()
	require.NoError(t, exec.Prepare(ctx))
	require.NoError(t, exec.Open(ctx))

	batch, eos, reachedLimit, err := exec.GetNext(ctx)
	require.NoError(t, err)
	require.False(t, eos)
	require.Equal(t, [][]byte{[]byte("a")}, batch.Rows)

	_, eos, _, err = exec.GetNext(ctx)
	require.NoError(t, err)
	require.False(t, eos)

	_, eos, reachedLimit, err = exec.GetNext(ctx)
	require.NoError(t, err)
	require.True(t, eos)
	require.False(t, reachedLimit)
}

func TestChannelExecutorReportsReachedLimit(t *testing.T) {
	exec := NewChannelExecutor()
	exec.Batches <- &coordinator.RowBatch{Rows: [][]byte{[]byte("a")}}
	exec.SetReachedLimit(true)
	close(exec.Batches)

	ctx := context.Background()
	_, _, _, err := exec.GetNext(ctx)
	require.NoError(t, err)

	_, eos, reachedLimit, err := exec.GetNext(ctx)
	require.NoError(t, err)
	require.True(t, eos)
	require.True(t, reachedLimit)
}

func TestChannelExecutorWriteSideEffects(t *testing.T) {
	exec := NewChannelExecutor()
	require.Nil(t, exec.WriteSideEffects())

	ins := &coordinator.InsertExecStatus{NumAppendedRows: map[string]int64{"p=1": 10}}
	exec.SetWriteSideEffects(ins)
	require.Equal(t, ins, exec.WriteSideEffects())
}
