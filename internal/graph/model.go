package graph

// NodeKind enumerates the node categories stored in the project graph.
type NodeKind string

const (
	NodeKindMethod NodeKind = "method"
	NodeKindFile   NodeKind = "file"
)

// EdgeType enumerates the relationship categories stored in the project
// graph. Contains edges always point file -> method; calls edges are the
// best-effort name-matched method -> method relationships.
type EdgeType string

const (
	EdgeTypeContains EdgeType = "contains"
	EdgeTypeCalls    EdgeType = "calls"
)

// Node is one stored graph node. NodeID is unique within a project scope;
// the empty scope is the default unscoped partition.
type Node struct {
	Project   string   `db:"project"`
	NodeID    string   `db:"node_id"`
	Kind      NodeKind `db:"kind"`
	Label     string   `db:"label"`
	FilePath  *string  `db:"file_path"`
	Signature *string  `db:"signature"`
}

// Edge is one stored graph edge. Identical edges collapse through the
// primary key (project, src, dst, type).
type Edge struct {
	Project string   `db:"project"`
	Src     string   `db:"src"`
	Dst     string   `db:"dst"`
	Type    EdgeType `db:"type"`
}

// Stats summarises one rebuild of a project scope.
type Stats struct {
	Project       string `json:"project"`
	Files         int    `json:"files"`
	Methods       int    `json:"methods"`
	CallEdges     int    `json:"call_edges"`
	ContainsEdges int    `json:"contains_edges"`
}

// CodeBlock is the record shape the external parser emits for each
// method/function it extracts. Calls holds plain call-site identifiers.
type CodeBlock struct {
	ID        string   `json:"id"`
	Signature string   `json:"signature"`
	Calls     []string `json:"calls"`
	FilePath  string   `json:"file_path"`
	Project   string   `json:"project"`
}

// FileStatus is the per-file bookkeeping row maintained during indexing.
type FileStatus struct {
	Project   string `db:"project"`
	FilePath  string `db:"file_path"`
	FileHash  string `db:"file_hash"`
	Status    string `db:"status"`
	UpdatedAt string `db:"updated_at"`
}

// IndexingJob is the single bookkeeping row per project describing the
// most recent indexing run.
type IndexingJob struct {
	Project        string `db:"project"`
	Status         string `db:"status"`
	Step           string `db:"step"`
	Detail         string `db:"detail"`
	IndexedMethods int    `db:"indexed_methods"`
	UpdatedAt      string `db:"updated_at"`
}

func scopedID(project, methodID string) string {
	if project != "" {
		return project + "::" + methodID
	}
	return methodID
}

func fileNodeID(project, filePath string) string {
	if project != "" {
		return project + "::file::" + filePath
	}
	return "file::" + filePath
}
