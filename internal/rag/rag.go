package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/companion/internal/embedding"
	"github.com/nidhogg/companion/internal/search"
	"github.com/nidhogg/companion/internal/vectorstore"
	"go.uber.org/zap"
)

// DefaultCollection holds the knowledge base passages.
const DefaultCollection = "knowledge"

const batchSize = 32

// passageNS seeds deterministic point ids so re-indexing overwrites.
var passageNS = uuid.MustParse("7d0f6f2e-3c1b-4e55-9a57-3f1f0c6f5a10")

// VectorStore is the subset of *vectorstore.Client the index needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]vectorstore.SearchResult, error)
}

// Index answers knowledge lookups by vector similarity. When embedding or
// search fails, or finds nothing, it asks the fallback.
type Index struct {
	embedder   embedding.Embedder
	store      VectorStore
	collection string
	fallback   search.Knowledge
	logger     *zap.Logger
}

// NewIndex creates an Index. fallback may be nil.
func NewIndex(embedder embedding.Embedder, store VectorStore, collection string, fallback search.Knowledge, logger *zap.Logger) *Index {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Index{embedder: embedder, store: store, collection: collection, fallback: fallback, logger: logger}
}

// IndexPassages embeds passages and upserts them. The collection is created
// on the first batch, sized to the embedder's output.
func (x *Index) IndexPassages(ctx context.Context, passages []search.Passage) (int, error) {
	indexedAt := time.Now().UTC().Format(time.RFC3339)
	done := 0
	for start := 0; start < len(passages); start += batchSize {
		batch := passages[start:min(start+batchSize, len(passages))]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}
		vectors, err := x.embedder.Embed(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("embed passages: %w", err)
		}
		if start == 0 {
			if len(vectors) == 0 || len(vectors[0]) == 0 {
				return 0, fmt.Errorf("embed passages: empty vectors")
			}
			if err := x.store.EnsureCollection(ctx, x.collection, uint64(len(vectors[0]))); err != nil {
				return 0, err
			}
		}
		points := make([]vectorstore.Point, len(batch))
		for i, p := range batch {
			points[i] = vectorstore.Point{
				ID:     uuid.NewSHA1(passageNS, []byte(p.Source+"\x00"+p.Text)).String(),
				Vector: vectors[i],
				Payload: map[string]string{
					"source":     p.Source,
					"content":    p.Text,
					"indexed_at": indexedAt,
				},
			}
		}
		if err := x.store.Upsert(ctx, x.collection, points); err != nil {
			return done, err
		}
		done += len(batch)
	}
	x.logger.Info("knowledge passages indexed",
		zap.String("collection", x.collection),
		zap.Int("passages", done))
	return done, nil
}

// Lookup implements search.Knowledge.
func (x *Index) Lookup(ctx context.Context, query string, limit int) ([]search.Result, error) {
	if limit <= 0 {
		limit = 3
	}
	results, err := x.vectorLookup(ctx, query, limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		x.logger.Warn("vector lookup failed", zap.String("collection", x.collection), zap.Error(err))
	}
	if len(results) > 0 || x.fallback == nil {
		return results, nil
	}
	return x.fallback.Lookup(ctx, query, limit)
}

func (x *Index) vectorLookup(ctx context.Context, query string, limit int) ([]search.Result, error) {
	vectors, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	hits, err := x.store.Search(ctx, x.collection, vectors[0], uint64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, 0, len(hits))
	for _, h := range hits {
		// Unrelated passages score zero (or NaN for a zero query vector).
		if !(h.Score > 0) || h.Payload["content"] == "" {
			continue
		}
		out = append(out, search.Result{Title: h.Payload["source"], Content: h.Payload["content"]})
	}
	return out, nil
}
