package objstorefs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

func TestRenameCopiesThenDeletesSource(t *testing.T) {
	bkt := objstore.NewInMemBucket()
	ctx := context.Background()
	require.NoError(t, bkt.Upload(ctx, "staging/q1/part-0.parquet", bytes.NewReader([]byte("data"))))

	fs := New(bkt)
	require.NoError(t, fs.Rename(ctx, "staging/q1/part-0.parquet", "warehouse/t/p=1/part-0.parquet"))

	exists, err := bkt.Exists(ctx, "staging/q1/part-0.parquet")
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = bkt.Exists(ctx, "warehouse/t/p=1/part-0.parquet")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRemoveAllDeletesEverythingUnderPrefix(t *testing.T) {
	bkt := objstore.NewInMemBucket()
	ctx := context.Background()
	require.NoError(t, bkt.Upload(ctx, "staging/q1/a.parquet", bytes.NewReader([]byte("a"))))
	require.NoError(t, bkt.Upload(ctx, "staging/q1/b.parquet", bytes.NewReader([]byte("b"))))
	require.NoError(t, bkt.Upload(ctx, "staging/q2/c.parquet", bytes.NewReader([]byte("c"))))

	fs := New(bkt)
	require.NoError(t, fs.RemoveAll(ctx, "staging/q1"))

	exists, err := bkt.Exists(ctx, "staging/q1/a.parquet")
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = bkt.Exists(ctx, "staging/q2/c.parquet")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestListRegularFilesExcludesHiddenAndNested(t *testing.T) {
	bkt := objstore.NewInMemBucket()
	ctx := context.Background()
	require.NoError(t, bkt.Upload(ctx, "t/part-0.parquet", bytes.NewReader([]byte("x"))))
	require.NoError(t, bkt.Upload(ctx, "t/_SUCCESS", bytes.NewReader([]byte(""))))
	require.NoError(t, bkt.Upload(ctx, "t/p=1/part-0.parquet", bytes.NewReader([]byte("y"))))

	fs := New(bkt)
	files, err := fs.ListRegularFiles(ctx, "t")
	require.NoError(t, err)
	require.Contains(t, files, "t/part-0.parquet")
	require.NotContains(t, files, "t/_SUCCESS")
}
