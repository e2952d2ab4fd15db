package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragcore/internal/breaker"
	"ragcore/internal/processor"
	"ragcore/internal/types"
	"ragcore/internal/vectorstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmbedder struct {
	state    breaker.State
	err      error
	embedded int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.embedded += len(texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeEmbedder) BreakerState() breaker.State {
	if f.state == "" {
		return breaker.Closed
	}
	return f.state
}

type fakeStore struct {
	upserted     []types.Chunk
	upsertErr    error
	bumpCalls    int
}

func (f *fakeStore) Upsert(ctx context.Context, tenantID string, chunks []types.Chunk) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, chunks...)
	return nil
}
func (f *fakeStore) Search(ctx context.Context, tenantID string, queryEmbedding []float32, k int) ([]types.ScoredChunk, error) {
	return nil, nil
}
func (f *fakeStore) DeleteByTenant(ctx context.Context, tenantID string) error { return nil }
func (f *fakeStore) CacheGeneration(ctx context.Context, tenantID string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) BumpCacheGeneration(ctx context.Context, tenantID string) (int64, error) {
	f.bumpCalls++
	return int64(f.bumpCalls), nil
}
func (f *fakeStore) CacheUpsert(ctx context.Context, entry vectorstore.CacheEntry) error { return nil }
func (f *fakeStore) CacheSearch(ctx context.Context, tenantID string, queryEmbedding []float32, minScore float64) (*vectorstore.CacheEntry, error) {
	return nil, nil
}

type fakePersister struct {
	uploads       []types.Upload
	statusUpdates []string
}

func (f *fakePersister) InsertTurn(ctx context.Context, turn types.ConversationTurn) error { return nil }
func (f *fakePersister) ListTurns(ctx context.Context, tenantID string, limit int) ([]types.ConversationTurn, error) {
	return nil, nil
}
func (f *fakePersister) InsertUpload(ctx context.Context, up types.Upload) error {
	f.uploads = append(f.uploads, up)
	return nil
}
func (f *fakePersister) UpdateUploadStatus(ctx context.Context, id string, status types.UploadStatus, chunkCount int, reason string) error {
	f.statusUpdates = append(f.statusUpdates, string(status))
	return nil
}

func testProcessor() *processor.Processor {
	return processor.New(processor.Config{ChunkSize: 100, ChunkOverlap: 10}, nil)
}

func TestIngestAssignsUploadIDBeforeFirstPersist(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := &fakeStore{}
	persist := &fakePersister{}
	c := New(testProcessor(), embedder, store, persist, discardLogger(), false)

	up, err := c.Ingest(context.Background(), "tenant-a", "notes.txt", types.ContentText, "Notes", []byte("Export via File, then Export, then PDF."))
	require.NoError(t, err)
	assert.NotEmpty(t, up.ID)
	require.NotEmpty(t, persist.uploads)
	assert.Equal(t, up.ID, persist.uploads[0].ID, "the id persisted on insert must match the id later used for status updates")
}

func TestIngestTextProducesReadyUploadWithEmbeddedChunks(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := &fakeStore{}
	persist := &fakePersister{}
	c := New(testProcessor(), embedder, store, persist, discardLogger(), false)

	up, err := c.Ingest(context.Background(), "tenant-a", "notes.txt", types.ContentText, "Notes", []byte("Export via File, then Export, then PDF."))
	require.NoError(t, err)
	assert.Equal(t, types.UploadReady, up.Status)
	assert.Greater(t, up.ChunkCount, 0)
	assert.Equal(t, up.ChunkCount, len(store.upserted))
	for _, c := range store.upserted {
		assert.NotEmpty(t, c.Embedding, "every upserted chunk must carry its embedding")
		assert.Equal(t, "tenant-a", c.Metadata.TenantID)
	}
	assert.Equal(t, 1, store.bumpCalls)
}

func TestIngestBlocksWhenBreakerOpenAndConfiguredToBlock(t *testing.T) {
	embedder := &fakeEmbedder{state: breaker.Open}
	store := &fakeStore{}
	persist := &fakePersister{}
	c := New(testProcessor(), embedder, store, persist, discardLogger(), true)

	_, err := c.Ingest(context.Background(), "tenant-a", "notes.txt", types.ContentText, "Notes", []byte("some content"))
	require.Error(t, err)
	assert.Empty(t, store.upserted, "blocked ingestion must never reach the vector store")
}

func TestIngestProceedsWithBreakerOpenWhenNotConfiguredToBlock(t *testing.T) {
	embedder := &fakeEmbedder{state: breaker.Open}
	store := &fakeStore{}
	persist := &fakePersister{}
	c := New(testProcessor(), embedder, store, persist, discardLogger(), false)

	up, err := c.Ingest(context.Background(), "tenant-a", "notes.txt", types.ContentText, "Notes", []byte("Export via File, then Export, then PDF."))
	require.NoError(t, err)
	assert.Equal(t, types.UploadReady, up.Status)
}

func TestIngestMarksUploadFailedOnProcessingError(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := &fakeStore{}
	persist := &fakePersister{}
	c := New(testProcessor(), embedder, store, persist, discardLogger(), false)

	_, err := c.Ingest(context.Background(), "tenant-a", "empty.txt", types.ContentText, "", []byte(""))
	require.Error(t, err)
	require.NotEmpty(t, persist.statusUpdates)
	assert.Equal(t, string(types.UploadFailed), persist.statusUpdates[len(persist.statusUpdates)-1])
}

func TestIngestMarksUploadFailedOnEmbeddingError(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embedding endpoint unreachable")}
	store := &fakeStore{}
	persist := &fakePersister{}
	c := New(testProcessor(), embedder, store, persist, discardLogger(), false)

	up, err := c.Ingest(context.Background(), "tenant-a", "notes.txt", types.ContentText, "Notes", []byte("Export via File, then Export, then PDF."))
	require.Error(t, err)
	assert.Equal(t, types.UploadFailed, up.Status)
	assert.Empty(t, store.upserted)
}

func TestIngestMarksUploadFailedOnUpsertError(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := &fakeStore{upsertErr: errors.New("connection refused")}
	persist := &fakePersister{}
	c := New(testProcessor(), embedder, store, persist, discardLogger(), false)

	up, err := c.Ingest(context.Background(), "tenant-a", "notes.txt", types.ContentText, "Notes", []byte("Export via File, then Export, then PDF."))
	require.Error(t, err)
	assert.Equal(t, types.UploadFailed, up.Status)
	assert.Equal(t, 0, store.bumpCalls, "cache generation must not bump when upsert failed")
}
