//go:build cloudintegration

package s3_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/objectstore/s3"
	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/test/cloudtest"
)

func TestStore_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cfg := cloudtest.StoreConfig(bucket)
	cfg.Prefix = "registry"

	store, err := s3.New(ctx, cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "run-1/adapter.tar.gz", strings.NewReader("weights"), 7))
	require.NoError(t, objectstore.PutBytes(ctx, store, "run-2/adapter.tar.gz", []byte("more")))

	data, err := objectstore.GetBytes(ctx, store, "run-1/adapter.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	info, err := store.Head(ctx, "run-1/adapter.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.NotEmpty(t, info.ETag)

	objs, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "run-1/adapter.tar.gz", objs[0].Key)

	require.NoError(t, store.Delete(ctx, "run-1/adapter.tar.gz"))
	_, err = store.Head(ctx, "run-1/adapter.tar.gz")
	assert.True(t, provider.IsNotFound(err))
}

func TestStore_MissingBucket_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	store, err := s3.New(ctx, cloudtest.StoreConfig("nonexistent-bucket-12345"), nil)
	require.NoError(t, err)

	_, err = store.List(ctx, "")
	require.Error(t, err)
	assert.True(t, provider.IsConfigError(err))
}
