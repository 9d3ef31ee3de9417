package vector

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	ix, err := NewIndex(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestSearchRanksBySimilarity(t *testing.T) {
	ix := newTestIndex(t, Config{})
	ctx := context.Background()

	// Unit vectors, so similarities are exact dot products.
	docs := []struct {
		id        string
		embedding []float32
		summary   string
	}{
		{"m1", []float32{1, 0, 0}, "favorite color is blue"},
		{"m2", []float32{0.8, 0.6, 0}, "likes the color teal"},
		{"m3", []float32{0, 1, 0}, "works in accounting"},
	}
	for _, d := range docs {
		require.NoError(t, ix.Upsert(ctx, "ns", d.id, d.embedding, d.summary, nil))
	}

	hits, err := ix.Search(ctx, "ns", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "m1", hits[0].MemoryID)
	assert.Equal(t, "m2", hits[1].MemoryID)
	assert.GreaterOrEqual(t, hits[0].Similarity, hits[1].Similarity, "similarities must be descending")
	assert.Equal(t, "favorite color is blue", hits[0].Summary)
}

func TestSearchClampsTopK(t *testing.T) {
	ix := newTestIndex(t, Config{})
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "ns", "only", []float32{0, 0, 1}, "one doc", nil))

	hits, err := ix.Search(ctx, "ns", []float32{0, 0, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchEmptyNamespace(t *testing.T) {
	ix := newTestIndex(t, Config{})

	hits, err := ix.Search(context.Background(), "empty", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ix := newTestIndex(t, Config{})
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "ns1", "a", []float32{1, 0}, "in ns1", nil))
	require.NoError(t, ix.Upsert(ctx, "ns2", "b", []float32{1, 0}, "in ns2", nil))

	hits, err := ix.Search(ctx, "ns1", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].MemoryID)
}

func TestDeleteRemovesMemory(t *testing.T) {
	ix := newTestIndex(t, Config{})
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "ns", "gone", []float32{1, 0}, "to be deleted", nil))
	require.NoError(t, ix.Delete(ctx, "ns", "gone"))

	n, err := ix.Count("ns")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpsertValidatesInput(t *testing.T) {
	ix := newTestIndex(t, Config{})
	ctx := context.Background()

	assert.Error(t, ix.Upsert(ctx, "ns", "", []float32{1}, "no id", nil), "empty memory id")
	assert.Error(t, ix.Upsert(ctx, "ns", "id", nil, "no embedding", nil), "empty embedding")

	_, err := ix.Search(ctx, "ns", nil, 5)
	assert.Error(t, err, "empty query embedding")
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ix := newTestIndex(t, Config{PersistPath: dir})
	require.NoError(t, ix.Upsert(ctx, "ns", "kept", []float32{0, 1}, "survives restart", map[string]string{"topic": "test"}))
	require.NoError(t, ix.Close())

	reopened := newTestIndex(t, Config{PersistPath: dir})
	hits, err := reopened.Search(ctx, "ns", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	assert.Equal(t, "kept", hits[0].MemoryID)
	assert.Equal(t, "test", hits[0].Metadata["topic"])
}
