// Package vector stores code-block embeddings for retrieval. The
// primary backend is a ChromaDB server; NewMemoryStore provides an
// in-process fallback with the same surface so retrieval keeps working
// without external services.
package vector

import "context"

// Document is one embeddable code unit. ID carries the project-scoped
// node identifier so retrieval results can be joined back to the graph.
type Document struct {
	ID        string
	Project   string
	FilePath  string
	Signature string
	Content   string
}

type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

type Store interface {
	Available() bool
	Collection() string
	SetCollection(name string)
	Upsert(ctx context.Context, docs []Document, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, project string, limit int) ([]SearchResult, error)
	DeleteProject(ctx context.Context, project string) error
}

// Dimension returns the width of the first non-empty vector.
func Dimension(v [][]float32) int {
	for _, vec := range v {
		if len(vec) > 0 {
			return len(vec)
		}
	}
	return 0
}
