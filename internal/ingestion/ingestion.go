// Package ingestion implements the Ingestion Coordinator: the pipeline
// that turns an uploaded file into searchable vectors.
package ingestion

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ragcore/internal/breaker"
	"ragcore/internal/errs"
	"ragcore/internal/persistence"
	"ragcore/internal/processor"
	"ragcore/internal/types"
	"ragcore/internal/vectorstore"
)

// Embedder is the subset of the Model Gateway the coordinator needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	BreakerState() breaker.State
}

const embedBatchSize = 32

type Coordinator struct {
	proc     *processor.Processor
	embedder Embedder
	store    vectorstore.Store
	persist  persistence.Persister
	log      *slog.Logger

	// blockOnBreakerOpen mirrors Config.IngestOnBreakerOpen == "block":
	// when true, ingestion refuses new uploads while the embedding
	// breaker is open instead of queuing them for a later retry.
	blockOnBreakerOpen bool
}

func New(proc *processor.Processor, embedder Embedder, store vectorstore.Store, persist persistence.Persister, log *slog.Logger, blockOnBreakerOpen bool) *Coordinator {
	return &Coordinator{proc: proc, embedder: embedder, store: store, persist: persist, log: log, blockOnBreakerOpen: blockOnBreakerOpen}
}

// Ingest runs the five-step pipeline: create the upload record, process
// the file into chunks, embed them, upsert into the vector index, and
// bump the tenant's cache generation so stale cached answers stop being
// served. The upload's terminal status (ready/failed) is always
// persisted, even when an earlier step fails.
func (c *Coordinator) Ingest(ctx context.Context, tenantID, filename string, declaredType types.ContentType, title string, data []byte) (types.Upload, error) {
	if c.blockOnBreakerOpen && c.embedder.BreakerState() == breaker.Open {
		return types.Upload{}, errs.New(errs.UpstreamUnavailable, "embedding breaker open, ingestion blocked")
	}

	up := types.Upload{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Filename:     filename,
		DeclaredType: declaredType,
		ByteSize:     len(data),
		Status:       types.UploadPending,
	}
	if err := c.persist.InsertUpload(ctx, up); err != nil {
		c.log.Warn("ingestion: insert upload record failed, proceeding anyway", "error", err)
	}

	up.Status = types.UploadProcessing
	_ = c.persist.UpdateUploadStatus(ctx, up.ID, up.Status, 0, "")

	chunks, err := c.proc.Process(ctx, filename, declaredType, title, data)
	if err != nil {
		c.fail(ctx, &up, err)
		return up, err
	}

	if err := c.embedChunks(ctx, tenantID, chunks); err != nil {
		c.fail(ctx, &up, err)
		return up, err
	}

	for i := range chunks {
		chunks[i].Metadata.TenantID = tenantID
	}
	if err := c.store.Upsert(ctx, tenantID, chunks); err != nil {
		wrapped := errs.Wrap(errs.PersistenceFailed, "upsert chunks into vector index", err)
		c.fail(ctx, &up, wrapped)
		return up, wrapped
	}

	if _, err := c.store.BumpCacheGeneration(ctx, tenantID); err != nil {
		// A failed cache-generation bump risks serving stale cached
		// answers but must not fail an otherwise-successful ingestion.
		c.log.Warn("ingestion: bump cache generation failed", "tenant_id", tenantID, "error", err)
	}

	up.Status = types.UploadReady
	up.ChunkCount = len(chunks)
	_ = c.persist.UpdateUploadStatus(ctx, up.ID, up.Status, up.ChunkCount, "")
	return up, nil
}

func (c *Coordinator) fail(ctx context.Context, up *types.Upload, err error) {
	up.Status = types.UploadFailed
	up.FailReason = err.Error()
	_ = c.persist.UpdateUploadStatus(ctx, up.ID, up.Status, 0, up.FailReason)
}

// embedChunks embeds chunk text in fixed-size batches concurrently via
// errgroup, filling in each chunk's Embedding field in place. A failure in
// one batch does not cancel batches that have already started, since the
// Model Gateway retries transient failures internally per batch; the
// first unrecoverable batch error is returned once all batches finish.
func (c *Coordinator) embedChunks(ctx context.Context, tenantID string, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return errs.New(errs.NoCorpus, "no chunks to embed")
	}

	var g errgroup.Group
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batchStart := start
		batchEnd := end
		g.Go(func() error {
			texts := make([]string, batchEnd-batchStart)
			for i := batchStart; i < batchEnd; i++ {
				texts[i-batchStart] = chunks[i].Text
			}
			vectors, err := c.embedder.Embed(ctx, texts)
			if err != nil {
				return err
			}
			for i, v := range vectors {
				chunks[batchStart+i].Embedding = v
			}
			return nil
		})
	}
	return g.Wait()
}
