// Package vectorstore implements the per-tenant vector index over
// Postgres/pgvector: similarity search over corpus chunks, plus the
// semantic-cache namespace and the per-tenant cache-generation counter
// used to invalidate stale cache entries after ingestion.
package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"ragcore/internal/types"
)

// Store is the Vector Index contract: tenant-scoped upsert and search over
// corpus chunks, plus the cache-namespace operations Semantic Cache needs.
type Store interface {
	Upsert(ctx context.Context, tenantID string, chunks []types.Chunk) error
	Search(ctx context.Context, tenantID string, queryEmbedding []float32, k int) ([]types.ScoredChunk, error)
	DeleteByTenant(ctx context.Context, tenantID string) error

	CacheGeneration(ctx context.Context, tenantID string) (int64, error)
	BumpCacheGeneration(ctx context.Context, tenantID string) (int64, error)
	CacheUpsert(ctx context.Context, entry CacheEntry) error
	CacheSearch(ctx context.Context, tenantID string, queryEmbedding []float32, minScore float64) (*CacheEntry, error)
}

// CacheEntry mirrors the data model's Cache entry.
type CacheEntry struct {
	Key        string
	TenantID   string
	Embedding  []float32
	Response   string
	Sources    []types.Citation
	Confidence float64
	Generation int64
	HitCount   int
	CreatedAt  time.Time
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Init creates the schema if absent. Dimension is the embedding model's
// output width; callers must keep it uniform within a deployment.
func (p *PostgresStore) Init(ctx context.Context, dimension int) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS chunks (
		tenant_id TEXT NOT NULL,
		source TEXT NOT NULL,
		chunk_index INT NOT NULL,
		title TEXT NOT NULL,
		content_type TEXT NOT NULL,
		page_index INT,
		content TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		PRIMARY KEY (tenant_id, source, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
	CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON chunks(tenant_id);

	CREATE TABLE IF NOT EXISTS cache_generations (
		tenant_id TEXT PRIMARY KEY,
		generation BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		response TEXT NOT NULL,
		sources JSONB NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		generation BIGINT NOT NULL,
		hit_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, cache_key)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_embedding ON cache_entries
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

	CREATE TABLE IF NOT EXISTS conversation_turns (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		user_message TEXT NOT NULL,
		assistant_response TEXT NOT NULL,
		sources JSONB NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		hallucination_flags JSONB,
		should_escalate BOOLEAN NOT NULL,
		reviewed BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_turns_tenant ON conversation_turns(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS uploads (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		declared_type TEXT NOT NULL,
		byte_size INT NOT NULL,
		status TEXT NOT NULL,
		chunk_count INT NOT NULL DEFAULT 0,
		fail_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`, dimension, dimension)
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Close() { p.pool.Close() }

// Pool exposes the underlying connection pool for collaborators sharing
// the same database, such as internal/persistence.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

// Upsert writes embeddings atomically per chunk; duplicates on
// (tenant_id, source, chunk_index) replace the prior value.
func (p *PostgresStore) Upsert(ctx context.Context, tenantID string, chunks []types.Chunk) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO chunks (tenant_id, source, chunk_index, title, content_type, page_index, content, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, source, chunk_index) DO UPDATE SET
			title = EXCLUDED.title,
			content_type = EXCLUDED.content_type,
			page_index = EXCLUDED.page_index,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding
	`
	for _, c := range chunks {
		if _, err := tx.Exec(ctx, query,
			tenantID, c.Metadata.Source, c.Metadata.ChunkIndex, c.Metadata.Title,
			string(c.Metadata.ContentType), c.Metadata.PageIndex, c.Text,
			pgvector.NewVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("upsert chunk %s#%d: %w", c.Metadata.Source, c.Metadata.ChunkIndex, err)
		}
	}
	return tx.Commit(ctx)
}

// Search restricts results to tenantID's namespace — cross-tenant leakage
// here is a correctness failure, not a performance concern. Ties are
// broken by chunk_index ascending then source lexicographic for
// deterministic ordering.
func (p *PostgresStore) Search(ctx context.Context, tenantID string, queryEmbedding []float32, k int) ([]types.ScoredChunk, error) {
	vector := pgvector.NewVector(queryEmbedding)
	const query = `
		SELECT source, chunk_index, title, content_type, page_index, content,
		       1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE tenant_id = $2
		ORDER BY (1 - (embedding <=> $1)) DESC, chunk_index ASC, source ASC
		LIMIT $3
	`
	rows, err := p.pool.Query(ctx, query, vector, tenantID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ScoredChunk
	for rows.Next() {
		var (
			sc        types.ScoredChunk
			pageIndex *int
			ctype     string
		)
		if err := rows.Scan(&sc.Chunk.Metadata.Source, &sc.Chunk.Metadata.ChunkIndex,
			&sc.Chunk.Metadata.Title, &ctype, &pageIndex, &sc.Chunk.Text, &sc.Score); err != nil {
			return nil, err
		}
		sc.Chunk.Metadata.ContentType = types.ContentType(ctype)
		sc.Chunk.Metadata.PageIndex = pageIndex
		sc.Chunk.Metadata.TenantID = tenantID
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteByTenant(ctx context.Context, tenantID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE tenant_id = $1`, tenantID)
	return err
}

func (p *PostgresStore) CacheGeneration(ctx context.Context, tenantID string) (int64, error) {
	var gen int64
	err := p.pool.QueryRow(ctx, `SELECT generation FROM cache_generations WHERE tenant_id = $1`, tenantID).Scan(&gen)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return gen, err
}

func (p *PostgresStore) BumpCacheGeneration(ctx context.Context, tenantID string) (int64, error) {
	var gen int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO cache_generations (tenant_id, generation) VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET generation = cache_generations.generation + 1
		RETURNING generation
	`, tenantID).Scan(&gen)
	return gen, err
}

func (p *PostgresStore) CacheUpsert(ctx context.Context, entry CacheEntry) error {
	sourcesJSON, err := marshalCitations(entry.Sources)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO cache_entries (cache_key, tenant_id, embedding, response, sources, confidence, generation, hit_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, cache_key) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			response = EXCLUDED.response,
			sources = EXCLUDED.sources,
			confidence = EXCLUDED.confidence,
			generation = EXCLUDED.generation,
			hit_count = cache_entries.hit_count + 1,
			created_at = now()
	`, entry.Key, entry.TenantID, pgvector.NewVector(entry.Embedding), entry.Response,
		sourcesJSON, entry.Confidence, entry.Generation, entry.HitCount)
	return err
}

func (p *PostgresStore) CacheSearch(ctx context.Context, tenantID string, queryEmbedding []float32, minScore float64) (*CacheEntry, error) {
	vector := pgvector.NewVector(queryEmbedding)
	var (
		entry       CacheEntry
		sourcesJSON []byte
		score       float64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT cache_key, response, sources, confidence, generation, hit_count, created_at,
		       1 - (embedding <=> $1) AS score
		FROM cache_entries
		WHERE tenant_id = $2
		ORDER BY (1 - (embedding <=> $1)) DESC
		LIMIT 1
	`, vector, tenantID).Scan(&entry.Key, &entry.Response, &sourcesJSON, &entry.Confidence,
		&entry.Generation, &entry.HitCount, &entry.CreatedAt, &score)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if score < minScore {
		return nil, nil
	}
	sources, err := unmarshalCitations(sourcesJSON)
	if err != nil {
		return nil, err
	}
	entry.TenantID = tenantID
	entry.Sources = sources
	return &entry, nil
}
