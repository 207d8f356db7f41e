package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadBucketReflectsLazyCreationOnFirstPut(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.True(t, IsNotFound(store.HeadBucket(ctx, "bronze")))

	require.NoError(t, store.PutObject(ctx, PutObjectInput{Bucket: "bronze", Key: "a.json", Body: []byte("{}")}))
	require.NoError(t, store.HeadBucket(ctx, "bronze"))
}

func TestGetObjectRoundTripsPutObject(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, PutObjectInput{
		Bucket:      "bronze",
		Key:         "trades/a.jsonl",
		Body:        []byte("line1\nline2\n"),
		ContentType: "application/jsonl",
	}))

	body, _, err := store.GetObject(ctx, "bronze", "trades/a.jsonl")
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\n", string(body))

	_, _, err = store.GetObject(ctx, "bronze", "missing.jsonl")
	require.True(t, IsNotFound(err))

	_, _, err = store.GetObject(ctx, "other-bucket", "trades/a.jsonl")
	require.True(t, IsNotFound(err))
}

func TestListObjectsV2FiltersByPrefixAndSortsByKey(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"bronze/b.jsonl", "bronze/a.jsonl", "silver/c.jsonl"} {
		require.NoError(t, store.PutObject(ctx, PutObjectInput{Bucket: "data", Key: key, Body: []byte("x")}))
	}

	objs, _, err := store.ListObjectsV2(ctx, "data", "bronze/", "")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "bronze/a.jsonl", objs[0].Key)
	require.Equal(t, "bronze/b.jsonl", objs[1].Key)

	objs, _, err = store.ListObjectsV2(ctx, "unknown-bucket", "", "")
	require.NoError(t, err)
	require.Empty(t, objs)
}
