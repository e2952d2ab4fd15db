// Package semcache implements the tenant-scoped semantic response cache:
// lookups match by embedding cosine similarity rather than string equality,
// and entries are invalidated either by a monotonic per-tenant generation
// counter bumped after ingestion or by simply aging out past ttlCache.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/sync/singleflight"

	"ragcore/internal/types"
	"ragcore/internal/vectorstore"
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Cache struct {
	store        vectorstore.Store
	embedder     Embedder
	tauCache     float64
	tauCacheable float64
	ttlCache     time.Duration
	group        singleflight.Group
}

func New(store vectorstore.Store, embedder Embedder, tauCache, tauCacheable float64, ttlCache time.Duration) *Cache {
	return &Cache{store: store, embedder: embedder, tauCache: tauCache, tauCacheable: tauCacheable, ttlCache: ttlCache}
}

// Lookup embeds queryText and searches the tenant's cache namespace,
// returning the best entry only if its score clears tauCache, its
// generation is not stale relative to the tenant's current generation,
// and it is younger than ttlCache.
func (c *Cache) Lookup(ctx context.Context, tenantID, queryText string) (*vectorstore.CacheEntry, error) {
	key := cacheKey(tenantID, queryText)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		embeddings, err := c.embedder.Embed(ctx, []string{queryText})
		if err != nil {
			return nil, err
		}
		entry, err := c.store.CacheSearch(ctx, tenantID, embeddings[0], c.tauCache)
		if err != nil || entry == nil {
			return nil, err
		}
		currentGen, err := c.store.CacheGeneration(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if entry.Generation < currentGen {
			// Stale entry: never returned, per the monotonic-visibility
			// invariant the cache generation counter exists to enforce.
			return nil, nil
		}
		if c.ttlCache > 0 && time.Since(entry.CreatedAt) > c.ttlCache {
			return nil, nil
		}
		return entry, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*vectorstore.CacheEntry), nil
}

// Store records a cache entry after a non-streaming generation whose
// confidence clears tauCacheable. Callers must not call Store for
// low-confidence or escalated responses.
func (c *Cache) Store(ctx context.Context, tenantID, queryText, response string, sources []types.Citation, confidence float64) error {
	if confidence < c.tauCacheable {
		return nil
	}
	embeddings, err := c.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return err
	}
	generation, err := c.store.CacheGeneration(ctx, tenantID)
	if err != nil {
		return err
	}
	return c.store.CacheUpsert(ctx, vectorstore.CacheEntry{
		Key:        cacheKey(tenantID, queryText),
		TenantID:   tenantID,
		Embedding:  embeddings[0],
		Response:   response,
		Sources:    sources,
		Confidence: confidence,
		Generation: generation,
	})
}

func cacheKey(tenantID, queryText string) string {
	h := sha256.Sum256([]byte(tenantID + "\x00" + queryText))
	return hex.EncodeToString(h[:])
}
