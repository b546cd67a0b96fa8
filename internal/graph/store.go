package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/codeatlas-dev/codeatlas/internal/common"
	"github.com/codeatlas-dev/codeatlas/internal/sqlitedb"
)

// Store is the SQLite-backed project call graph. Nodes and edges are
// partitioned by project scope; the empty scope is the default partition.
type Store struct {
	db *sqlx.DB
}

// Open constructs a Store backed by the SQLite database at the provided
// path. The schema is migrated on first use.
func Open(path string) (*Store, error) {
	cfg, err := sqlitedb.LoadConfig("GRAPH_SQLITE")
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig constructs a Store using the provided configuration.
func OpenWithConfig(cfg sqlitedb.Config) (*Store, error) {
	db, err := sqlitedb.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(context.Background(), db, schemaStatements); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sqlx.DB for advanced callers.
func (s *Store) DB() *sqlx.DB {
	if s == nil {
		return nil
	}
	return s.db
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
                project TEXT NOT NULL DEFAULT '',
                node_id TEXT NOT NULL,
                kind TEXT NOT NULL,
                label TEXT NOT NULL,
                file_path TEXT,
                signature TEXT,
                PRIMARY KEY(project, node_id)
        );`,
	`CREATE TABLE IF NOT EXISTS edges (
                project TEXT NOT NULL DEFAULT '',
                src TEXT NOT NULL,
                dst TEXT NOT NULL,
                type TEXT NOT NULL,
                PRIMARY KEY(project, src, dst, type)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(project, src);`,
	`CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(project, dst);`,
	`CREATE TABLE IF NOT EXISTS file_status (
                project TEXT NOT NULL DEFAULT '',
                file_path TEXT NOT NULL,
                file_hash TEXT NOT NULL DEFAULT '',
                status TEXT NOT NULL DEFAULT '',
                updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
                PRIMARY KEY(project, file_path)
        );`,
	`CREATE TABLE IF NOT EXISTS indexing_jobs (
                project TEXT NOT NULL DEFAULT '',
                status TEXT NOT NULL DEFAULT '',
                step TEXT NOT NULL DEFAULT '',
                detail TEXT NOT NULL DEFAULT '',
                indexed_methods INTEGER NOT NULL DEFAULT 0,
                updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
                PRIMARY KEY(project)
        );`,
}

// Rebuild replaces the stored graph for a project scope with the graph
// derived from the provided parsed methods.
//
// The delete and insert phases run in separate transactions, matching the
// store's original behavior: a crash between the two leaves the scope
// empty until the next rebuild. Callers needing stronger guarantees should
// retry the rebuild.
func (s *Store) Rebuild(ctx context.Context, project string, methods []CodeBlock) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, errors.New("graph store not initialised")
	}

	// Clear existing scope.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE project = ?`, project); err != nil {
		return Stats{}, fmt.Errorf("clear edges: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE project = ?`, project); err != nil {
		return Stats{}, fmt.Errorf("clear nodes: %w", err)
	}

	type sigEntry struct {
		nodeID   string
		sigLower string
	}

	methodNodes := make([]Node, 0, len(methods))
	fileNodes := make(map[string]Node)
	fileOrder := make([]string, 0)
	containsEdges := make([]Edge, 0, len(methods))
	sigIndex := make([]sigEntry, 0, len(methods))

	for _, m := range methods {
		fp := m.FilePath
		if fp == "" {
			fp = "(unknown)"
		}
		nodeID := scopedID(project, m.ID)
		label := m.Signature
		if label == "" {
			label = m.ID
		}
		filePath := fp
		var sig *string
		if m.Signature != "" {
			sigCopy := m.Signature
			sig = &sigCopy
		}
		methodNodes = append(methodNodes, Node{
			Project:   project,
			NodeID:    nodeID,
			Kind:      NodeKindMethod,
			Label:     label,
			FilePath:  &filePath,
			Signature: sig,
		})
		sigIndex = append(sigIndex, sigEntry{nodeID: nodeID, sigLower: strings.ToLower(m.Signature)})

		fid := fileNodeID(project, fp)
		if _, ok := fileNodes[fid]; !ok {
			fpCopy := fp
			fileNodes[fid] = Node{
				Project:  project,
				NodeID:   fid,
				Kind:     NodeKindFile,
				Label:    fp,
				FilePath: &fpCopy,
			}
			fileOrder = append(fileOrder, fid)
		}
		containsEdges = append(containsEdges, Edge{Project: project, Src: fid, Dst: nodeID, Type: EdgeTypeContains})
	}

	// Best-effort call edges: a call name matches every other method whose
	// lowercased signature contains it as a substring. Self-loops excluded.
	callSeen := make(map[Edge]struct{})
	callEdges := make([]Edge, 0)
	for _, m := range methods {
		src := scopedID(project, m.ID)
		for _, callName := range m.Calls {
			cn := strings.ToLower(strings.TrimSpace(callName))
			if cn == "" {
				continue
			}
			for _, entry := range sigIndex {
				if entry.nodeID == src {
					continue
				}
				if strings.Contains(entry.sigLower, cn) {
					edge := Edge{Project: project, Src: src, Dst: entry.nodeID, Type: EdgeTypeCalls}
					if _, dup := callSeen[edge]; dup {
						continue
					}
					callSeen[edge] = struct{}{}
					callEdges = append(callEdges, edge)
				}
			}
		}
	}

	containsSeen := make(map[Edge]struct{}, len(containsEdges))
	dedupedContains := containsEdges[:0]
	for _, edge := range containsEdges {
		if _, dup := containsSeen[edge]; dup {
			continue
		}
		containsSeen[edge] = struct{}{}
		dedupedContains = append(dedupedContains, edge)
	}
	containsEdges = dedupedContains

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("begin rebuild insert: %w", err)
	}
	insertNode := `INSERT OR REPLACE INTO nodes(project, node_id, kind, label, file_path, signature)
                VALUES (:project, :node_id, :kind, :label, :file_path, :signature)`
	for _, fid := range fileOrder {
		if _, err := tx.NamedExecContext(ctx, insertNode, fileNodes[fid]); err != nil {
			tx.Rollback()
			return Stats{}, fmt.Errorf("insert file node: %w", err)
		}
	}
	for _, node := range methodNodes {
		if _, err := tx.NamedExecContext(ctx, insertNode, node); err != nil {
			tx.Rollback()
			return Stats{}, fmt.Errorf("insert method node: %w", err)
		}
	}
	insertEdge := `INSERT OR REPLACE INTO edges(project, src, dst, type)
                VALUES (:project, :src, :dst, :type)`
	for _, edge := range containsEdges {
		if _, err := tx.NamedExecContext(ctx, insertEdge, edge); err != nil {
			tx.Rollback()
			return Stats{}, fmt.Errorf("insert contains edge: %w", err)
		}
	}
	for _, edge := range callEdges {
		if _, err := tx.NamedExecContext(ctx, insertEdge, edge); err != nil {
			tx.Rollback()
			return Stats{}, fmt.Errorf("insert call edge: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit rebuild insert: %w", err)
	}

	stats := Stats{
		Project:       project,
		Files:         len(fileNodes),
		Methods:       len(methodNodes),
		CallEdges:     len(callEdges),
		ContainsEdges: len(containsEdges),
	}
	common.Logger().Info("graph: rebuild complete",
		"project", project,
		"files", stats.Files,
		"methods", stats.Methods,
		"call_edges", stats.CallEdges)
	return stats, nil
}
