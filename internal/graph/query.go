package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

const labelChunkSize = 500

// OverviewText returns a compact human-readable summary of a project
// scope: node counts, top callers/callees by degree and sample call
// edges. An unindexed scope yields a valid report with zero counts.
func (s *Store) OverviewText(ctx context.Context, project string, limit int) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("graph store not initialised")
	}
	if limit < 1 {
		limit = 1
	}

	var methodCount, fileCount, callEdges int
	if err := s.db.GetContext(ctx, &methodCount,
		`SELECT COUNT(*) FROM nodes WHERE project = ? AND kind = 'method'`, project); err != nil {
		return "", fmt.Errorf("count methods: %w", err)
	}
	if err := s.db.GetContext(ctx, &fileCount,
		`SELECT COUNT(*) FROM nodes WHERE project = ? AND kind = 'file'`, project); err != nil {
		return "", fmt.Errorf("count files: %w", err)
	}
	if err := s.db.GetContext(ctx, &callEdges,
		`SELECT COUNT(*) FROM edges WHERE project = ? AND type = 'calls'`, project); err != nil {
		return "", fmt.Errorf("count call edges: %w", err)
	}

	type degreeRow struct {
		NodeID string `db:"node_id"`
		Count  int    `db:"c"`
	}
	topCallers := []degreeRow{}
	if err := s.db.SelectContext(ctx, &topCallers,
		`SELECT src AS node_id, COUNT(*) AS c
                FROM edges
                WHERE project = ? AND type = 'calls'
                GROUP BY src
                ORDER BY c DESC, src ASC
                LIMIT ?`, project, limit); err != nil {
		return "", fmt.Errorf("select top callers: %w", err)
	}
	topCallees := []degreeRow{}
	if err := s.db.SelectContext(ctx, &topCallees,
		`SELECT dst AS node_id, COUNT(*) AS c
                FROM edges
                WHERE project = ? AND type = 'calls'
                GROUP BY dst
                ORDER BY c DESC, dst ASC
                LIMIT ?`, project, limit); err != nil {
		return "", fmt.Errorf("select top callees: %w", err)
	}

	type edgeRow struct {
		Src string `db:"src"`
		Dst string `db:"dst"`
	}
	sampleEdges := []edgeRow{}
	if err := s.db.SelectContext(ctx, &sampleEdges,
		`SELECT src, dst
                FROM edges
                WHERE project = ? AND type = 'calls'
                ORDER BY src, dst
                LIMIT ?`, project, limit); err != nil {
		return "", fmt.Errorf("select sample edges: %w", err)
	}

	ids := make([]string, 0, len(topCallers)+len(topCallees)+2*len(sampleEdges))
	for _, row := range topCallers {
		ids = append(ids, row.NodeID)
	}
	for _, row := range topCallees {
		ids = append(ids, row.NodeID)
	}
	for _, row := range sampleEdges {
		ids = append(ids, row.Src, row.Dst)
	}
	labels, err := s.labelsForNodes(ctx, project, ids)
	if err != nil {
		return "", err
	}

	projLine := "Project: (default)"
	if project != "" {
		projLine = "Project: " + project
	}
	lines := []string{
		projLine,
		fmt.Sprintf("Files indexed: %d", fileCount),
		fmt.Sprintf("Methods indexed: %d", methodCount),
		fmt.Sprintf("Call edges (best-effort): %d", callEdges),
	}

	if len(topCallers) > 0 {
		lines = append(lines, "", "Top callers (out-degree):")
		for _, row := range topCallers {
			lines = append(lines, fmt.Sprintf("- %s (calls=%d)", labelOr(labels, row.NodeID), row.Count))
		}
	}
	if len(topCallees) > 0 {
		lines = append(lines, "", "Top callees (in-degree):")
		for _, row := range topCallees {
			lines = append(lines, fmt.Sprintf("- %s (called_by=%d)", labelOr(labels, row.NodeID), row.Count))
		}
	}
	if len(sampleEdges) > 0 {
		lines = append(lines, "", "Sample call edges:")
		for _, row := range sampleEdges {
			lines = append(lines, fmt.Sprintf("- %s -> %s", labelOr(labels, row.Src), labelOr(labels, row.Dst)))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// NeighborsText runs a bounded breadth-first traversal over calls edges in
// both directions from the given node and renders the discovered edges.
// Depth is clamped to [1,4]; limit is clamped to [1,200] and applied per
// frontier expansion to bound query fan-out.
func (s *Store) NeighborsText(ctx context.Context, project, nodeID string, depth, limit int) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("graph store not initialised")
	}
	d := clamp(depth, 1, 4)
	lim := clamp(limit, 1, 200)

	type pair struct{ src, dst string }
	frontier := []string{nodeID}
	visited := map[string]struct{}{nodeID: {}}
	var edgesOut, edgesIn []pair

	for step := 0; step < d; step++ {
		if len(frontier) == 0 {
			break
		}
		var nextFrontier []string
		expand := frontier
		if len(expand) > lim {
			expand = expand[:lim]
		}
		for _, n := range expand {
			outRows := []string{}
			if err := s.db.SelectContext(ctx, &outRows,
				`SELECT dst FROM edges
                                WHERE project = ? AND type = 'calls' AND src = ?
                                ORDER BY dst
                                LIMIT ?`, project, n, lim); err != nil {
				return "", fmt.Errorf("select outgoing edges: %w", err)
			}
			for _, dst := range outRows {
				edgesOut = append(edgesOut, pair{src: n, dst: dst})
				if _, seen := visited[dst]; !seen {
					visited[dst] = struct{}{}
					nextFrontier = append(nextFrontier, dst)
				}
			}

			inRows := []string{}
			if err := s.db.SelectContext(ctx, &inRows,
				`SELECT src FROM edges
                                WHERE project = ? AND type = 'calls' AND dst = ?
                                ORDER BY src
                                LIMIT ?`, project, n, lim); err != nil {
				return "", fmt.Errorf("select incoming edges: %w", err)
			}
			for _, src := range inRows {
				edgesIn = append(edgesIn, pair{src: src, dst: n})
				if _, seen := visited[src]; !seen {
					visited[src] = struct{}{}
					nextFrontier = append(nextFrontier, src)
				}
			}
		}
		frontier = nextFrontier
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	labels, err := s.labelsForNodes(ctx, project, ids)
	if err != nil {
		return "", err
	}

	lines := []string{
		"Node: " + labelOr(labels, nodeID),
		fmt.Sprintf("Depth: %d", d),
	}
	if len(edgesOut) > 0 {
		lines = append(lines, "", "Calls:")
		for i, e := range edgesOut {
			if i >= lim {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s -> %s", labelOr(labels, e.src), labelOr(labels, e.dst)))
		}
	}
	if len(edgesIn) > 0 {
		lines = append(lines, "", "Called by:")
		for i, e := range edgesIn {
			if i >= lim {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s -> %s", labelOr(labels, e.src), labelOr(labels, e.dst)))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// FileDependencies derives file -> file dependencies by joining calls
// edges through their endpoints' file paths. Same-file pairs are excluded
// and the result is deduplicated with sorted values.
func (s *Store) FileDependencies(ctx context.Context, project string) (map[string][]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("graph store not initialised")
	}
	type depRow struct {
		SrcFile string `db:"src_file"`
		DstFile string `db:"dst_file"`
	}
	rows := []depRow{}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT sn.file_path AS src_file, dn.file_path AS dst_file
                FROM edges e
                INNER JOIN nodes sn ON sn.project = e.project AND sn.node_id = e.src
                INNER JOIN nodes dn ON dn.project = e.project AND dn.node_id = e.dst
                WHERE e.project = ? AND e.type = 'calls'
                  AND sn.file_path IS NOT NULL AND dn.file_path IS NOT NULL
                  AND sn.file_path <> dn.file_path`, project); err != nil {
		return nil, fmt.Errorf("select file dependencies: %w", err)
	}

	seen := make(map[string]map[string]struct{})
	for _, row := range rows {
		if seen[row.SrcFile] == nil {
			seen[row.SrcFile] = make(map[string]struct{})
		}
		seen[row.SrcFile][row.DstFile] = struct{}{}
	}
	out := make(map[string][]string, len(seen))
	for src, dsts := range seen {
		list := make([]string, 0, len(dsts))
		for dst := range dsts {
			list = append(list, dst)
		}
		sort.Strings(list)
		out[src] = list
	}
	return out, nil
}

func (s *Store) labelsForNodes(ctx context.Context, project string, nodeIDs []string) (map[string]string, error) {
	ids := make([]string, 0, len(nodeIDs))
	dedup := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		if id == "" {
			continue
		}
		if _, dup := dedup[id]; dup {
			continue
		}
		dedup[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(ids))
	// Chunk to stay under SQLite parameter limits.
	for start := 0; start < len(ids); start += labelChunkSize {
		end := start + labelChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		query, args, err := sqlx.In(
			`SELECT node_id, label FROM nodes WHERE project = ? AND node_id IN (?)`,
			project, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("build label query: %w", err)
		}
		query = s.db.Rebind(query)
		type labelRow struct {
			NodeID string `db:"node_id"`
			Label  string `db:"label"`
		}
		rows := []labelRow{}
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("select labels: %w", err)
		}
		for _, row := range rows {
			out[row.NodeID] = row.Label
		}
	}
	return out, nil
}

func labelOr(labels map[string]string, nodeID string) string {
	if label, ok := labels[nodeID]; ok && label != "" {
		return label
	}
	return nodeID
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
