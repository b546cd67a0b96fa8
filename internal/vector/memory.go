package vector

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps documents and vectors in process memory. It backs
// tests and deployments without a ChromaDB server.
type MemoryStore struct {
	mu         sync.RWMutex
	collection string
	docs       map[string]Document
	vectors    map[string][]float32
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(collection string) *MemoryStore {
	if strings.TrimSpace(collection) == "" {
		collection = "codeatlas_blocks"
	}
	return &MemoryStore{
		collection: collection,
		docs:       make(map[string]Document),
		vectors:    make(map[string][]float32),
	}
}

func (m *MemoryStore) Available() bool { return true }

func (m *MemoryStore) Collection() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collection
}

func (m *MemoryStore) SetCollection(name string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return
	}
	m.mu.Lock()
	if trimmed != m.collection {
		m.collection = trimmed
		m.docs = make(map[string]Document)
		m.vectors = make(map[string][]float32)
	}
	m.mu.Unlock()
}

func (m *MemoryStore) Upsert(ctx context.Context, docs []Document, vectors [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, doc := range docs {
		m.docs[doc.ID] = doc
		if idx < len(vectors) {
			m.vectors[doc.ID] = vectors[idx]
		}
	}
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, vector []float32, project string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]SearchResult, 0, len(m.docs))
	for id, doc := range m.docs {
		if project != "" && doc.Project != project {
			continue
		}
		results = append(results, SearchResult{
			ID:    id,
			Score: cosine(vector, m.vectors[id]),
			Payload: map[string]interface{}{
				"project":   doc.Project,
				"file_path": doc.FilePath,
				"signature": doc.Signature,
				"content":   doc.Content,
			},
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) DeleteProject(ctx context.Context, project string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.docs {
		if doc.Project == project {
			delete(m.docs, id)
			delete(m.vectors, id)
		}
	}
	return nil
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
