// Package vector holds the optional embedding side-channel: an embedded
// chromem index of memory-record summaries, one collection per namespace.
// Embeddings are computed by the LLM provider; the index only stores and
// searches them.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// indexFile is the export file name under the persist path.
const indexFile = "memori_index.gob"

// Config configures the embedding index.
type Config struct {
	// PersistPath is a directory the index exports itself into after every
	// write. Empty keeps the index in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress gzips the export file.
	Compress bool `yaml:"compress,omitempty"`
}

// Hit is one similarity match.
type Hit struct {
	MemoryID   string            `json:"memoryId"`
	Similarity float32           `json:"similarity"`
	Summary    string            `json:"summary"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Index stores pre-computed memory embeddings per namespace.
type Index struct {
	db          *chromem.DB
	persistPath string
	compress    bool
	logger      *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	// embeddingFunc exists to satisfy chromem; every document arrives with
	// its embedding already computed.
	embeddingFunc chromem.EmbeddingFunc
}

// NewIndex opens the index, loading a previous export when one exists under
// the persist path.
func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vector")

	db := chromem.NewDB()
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		path := exportPath(cfg.PersistPath, cfg.Compress)
		if _, err := os.Stat(path); err == nil {
			if err := db.Import(path, ""); err != nil {
				return nil, fmt.Errorf("failed to load embedding index: %w", err)
			}
			logger.Info("loaded embedding index", "path", path)
		}
	}

	refuse := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("index received a document without a pre-computed embedding")
	}

	return &Index{
		db:            db,
		persistPath:   cfg.PersistPath,
		compress:      cfg.Compress,
		logger:        logger,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: refuse,
	}, nil
}

// collection returns the namespace's collection, creating it on first use.
func (ix *Index) collection(namespace string) (*chromem.Collection, error) {
	if namespace == "" {
		namespace = "default"
	}
	name := "memori_" + namespace

	ix.mu.RLock()
	if col, ok := ix.collections[name]; ok {
		ix.mu.RUnlock()
		return col, nil
	}
	ix.mu.RUnlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[name]; ok {
		return col, nil
	}

	col, err := ix.db.GetOrCreateCollection(name, nil, ix.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection for namespace %q: %w", namespace, err)
	}
	ix.collections[name] = col
	return col, nil
}

// Upsert stores one memory record's embedding. The summary rides along as
// the document content so hits are readable without a storage round-trip.
func (ix *Index) Upsert(ctx context.Context, namespace, memoryID string, embedding []float32, summary string, metadata map[string]string) error {
	if memoryID == "" {
		return fmt.Errorf("memory id is required")
	}
	if len(embedding) == 0 {
		return fmt.Errorf("embedding is required")
	}

	col, err := ix.collection(namespace)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        memoryID,
		Content:   summary,
		Metadata:  metadata,
		Embedding: embedding,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index memory %s: %w", memoryID, err)
	}

	if err := ix.persist(); err != nil {
		ix.logger.Warn("failed to persist embedding index", "error", err)
	}
	return nil
}

// Search returns up to topK nearest memories in the namespace by cosine
// similarity. topK is clamped to the collection size; an empty namespace
// returns no hits rather than an error.
func (ix *Index) Search(ctx context.Context, namespace string, embedding []float32, topK int) ([]Hit, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}
	if topK <= 0 {
		topK = 5
	}

	col, err := ix.collection(namespace)
	if err != nil {
		return nil, err
	}
	if n := col.Count(); n < topK {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			MemoryID:   r.ID,
			Similarity: r.Similarity,
			Summary:    r.Content,
			Metadata:   r.Metadata,
		})
	}
	return hits, nil
}

// Delete removes one memory from the namespace's collection.
func (ix *Index) Delete(ctx context.Context, namespace, memoryID string) error {
	col, err := ix.collection(namespace)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, memoryID); err != nil {
		return fmt.Errorf("failed to delete memory %s from index: %w", memoryID, err)
	}
	if err := ix.persist(); err != nil {
		ix.logger.Warn("failed to persist embedding index", "error", err)
	}
	return nil
}

// Count returns how many memories the namespace has indexed.
func (ix *Index) Count(namespace string) (int, error) {
	col, err := ix.collection(namespace)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close exports the index one last time.
func (ix *Index) Close() error {
	return ix.persist()
}

func (ix *Index) persist() error {
	if ix.persistPath == "" {
		return nil
	}
	path := exportPath(ix.persistPath, ix.compress)
	if err := ix.db.Export(path, ix.compress, ""); err != nil {
		return fmt.Errorf("failed to export embedding index: %w", err)
	}
	return nil
}

func exportPath(dir string, compress bool) string {
	path := filepath.Join(dir, indexFile)
	if compress {
		path += ".gz"
	}
	return path
}
