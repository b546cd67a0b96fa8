package indexing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codeatlas-dev/codeatlas/internal/common"
	"github.com/codeatlas-dev/codeatlas/internal/graph"
	"github.com/codeatlas-dev/codeatlas/internal/llm"
	"github.com/codeatlas-dev/codeatlas/internal/vector"
)

// ErrInvalidRoot marks a reindex request whose root is missing or not a
// directory.
var ErrInvalidRoot = errors.New("reindex root is not a directory")

// Indexing job states recorded in the graph store bookkeeping row.
const (
	JobInProgress = "in_progress"
	JobDone       = "done"
	JobFailed     = "failed"
)

// Service orchestrates a full reindex: parse, graph rebuild, vector
// re-embed. Runs are serialized process-wide; concurrent graph rebuilds
// would interleave the delete and insert phases.
type Service struct {
	graph   *graph.Store
	vectors vector.Store
	parser  Parser
	embed   llm.Provider

	mu sync.Mutex
}

func NewService(graphStore *graph.Store, vectors vector.Store, parser Parser, provider llm.Provider) *Service {
	if parser == nil {
		parser = NewRegexParser()
	}
	return &Service{graph: graphStore, vectors: vectors, parser: parser, embed: provider}
}

// Reindex parses rootDir and replaces the project's graph scope and
// vector documents. The bookkeeping row tracks progress; on failure it
// records the failing step and error before returning.
func (s *Service) Reindex(ctx context.Context, project, rootDir string) (graph.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := common.Logger()
	logger.Info("indexing: reindex started", "project", project, "root", rootDir)

	info, err := os.Stat(rootDir)
	if err != nil || !info.IsDir() {
		return graph.Stats{}, fmt.Errorf("%w: %s", ErrInvalidRoot, rootDir)
	}

	s.setStep(ctx, project, "parsing", "scanning source tree", 0)
	blocks, err := s.parser.Parse(ctx, rootDir, project)
	if err != nil {
		s.fail(ctx, project, "parsing", err)
		return graph.Stats{}, err
	}

	s.setStep(ctx, project, "graph", fmt.Sprintf("rebuilding from %d blocks", len(blocks)), len(blocks))
	stats, err := s.graph.Rebuild(ctx, project, blocks)
	if err != nil {
		s.fail(ctx, project, "graph", err)
		return graph.Stats{}, err
	}
	s.recordFileHashes(ctx, project, rootDir, blocks)

	s.setStep(ctx, project, "embedding", "refreshing vector store", len(blocks))
	if err := s.refreshVectors(ctx, project, blocks); err != nil {
		// Vector refresh is best effort; the graph is already current.
		logger.Warn("indexing: vector refresh failed", "project", project, "error", err)
		s.setJob(ctx, project, JobDone, "embedding", "completed without vector refresh: "+err.Error(), len(blocks))
		return stats, nil
	}

	s.setJob(ctx, project, JobDone, "done", "", len(blocks))
	logger.Info("indexing: reindex completed", "project", project,
		"methods", stats.Methods, "calls", stats.CallEdges)
	return stats, nil
}

// Status returns the bookkeeping row for a project, nil when the project
// was never indexed.
func (s *Service) Status(ctx context.Context, project string) (*graph.IndexingJob, error) {
	return s.graph.IndexingJob(ctx, project)
}

func (s *Service) refreshVectors(ctx context.Context, project string, blocks []graph.CodeBlock) error {
	if s.vectors == nil || !s.vectors.Available() {
		return nil
	}
	if err := s.vectors.DeleteProject(ctx, project); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	docs := make([]vector.Document, 0, len(blocks))
	texts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		text := block.Signature
		if len(block.Calls) > 0 {
			text += "\ncalls: " + strings.Join(block.Calls, ", ")
		}
		docs = append(docs, vector.Document{
			ID:        project + "::" + block.ID,
			Project:   project,
			FilePath:  block.FilePath,
			Signature: block.Signature,
			Content:   text,
		})
		texts = append(texts, text)
	}
	vectors, err := s.embed.Embed(ctx, texts)
	if err != nil {
		return err
	}
	return s.vectors.Upsert(ctx, docs, vectors)
}

// recordFileHashes refreshes the per-file bookkeeping rows. Hash errors
// for individual files are logged and skipped.
func (s *Service) recordFileHashes(ctx context.Context, project, rootDir string, blocks []graph.CodeBlock) {
	logger := common.Logger()
	seen := make(map[string]struct{})
	for _, block := range blocks {
		if _, done := seen[block.FilePath]; done {
			continue
		}
		seen[block.FilePath] = struct{}{}
		hash, err := hashFile(filepath.Join(rootDir, block.FilePath))
		if err != nil {
			logger.Warn("indexing: file hash failed", "file", block.FilePath, "error", err)
			continue
		}
		if err := s.graph.UpdateFileStatus(ctx, project, block.FilePath, hash, "indexed"); err != nil {
			logger.Warn("indexing: file status update failed", "file", block.FilePath, "error", err)
		}
	}
}

func (s *Service) setStep(ctx context.Context, project, step, detail string, methods int) {
	s.setJob(ctx, project, JobInProgress, step, detail, methods)
}

func (s *Service) fail(ctx context.Context, project, step string, cause error) {
	s.setJob(ctx, project, JobFailed, step, cause.Error(), 0)
}

func (s *Service) setJob(ctx context.Context, project, status, step, detail string, methods int) {
	err := s.graph.UpdateIndexingJob(ctx, graph.IndexingJob{
		Project:        project,
		Status:         status,
		Step:           step,
		Detail:         detail,
		IndexedMethods: methods,
	})
	if err != nil {
		common.Logger().Warn("indexing: bookkeeping update failed", "project", project, "error", err)
	}
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
