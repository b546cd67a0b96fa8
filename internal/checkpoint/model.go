// Package checkpoint persists versioned conversation state for the agent
// runtime: point-in-time checkpoints chained to parents, per-channel
// versioned values and replayable pending writes.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config addresses a checkpoint scope. CheckpointID is optional: when
// empty, operations resolve the latest checkpoint for the scope.
type Config struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Checkpoint is one immutable snapshot of a conversation. ChannelValues
// holds the materialised values for the versions in ChannelVersions; the
// stored body excludes them, they are reconstructed from blobs on read.
type Checkpoint struct {
	ID              string            `json:"id" msgpack:"id"`
	Timestamp       string            `json:"ts" msgpack:"ts"`
	ChannelValues   map[string]any    `json:"channel_values" msgpack:"-"`
	ChannelVersions map[string]string `json:"channel_versions" msgpack:"channel_versions"`
}

// Metadata is the free-form metadata stored beside a checkpoint.
type Metadata map[string]any

// PendingWrite is a channel update proposed by one task that has not yet
// been folded into a checkpoint.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// ChannelWrite is one (channel, value) pair submitted through PutWrites.
type ChannelWrite struct {
	Channel string
	Value   any
}

// Tuple is the full read result for one checkpoint.
type Tuple struct {
	Config        Config
	Checkpoint    Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// Reserved channels map to fixed write indices so repeated PutWrites for
// them overwrite in place instead of appending. Enumeration indices for
// non-reserved channels start at len(WritesIdxMap), keeping the two
// ranges disjoint.
var WritesIdxMap = map[string]int{
	"__error__":     0,
	"__interrupt__": 1,
	"__schedule__":  2,
}

// Saver is the persistence contract the conversational agent runtime
// programs against.
type Saver interface {
	GetTuple(ctx context.Context, config Config) (*Tuple, error)
	List(ctx context.Context, config Config, before *Config, limit int) ([]*Tuple, error)
	Put(ctx context.Context, config Config, ckpt Checkpoint, metadata Metadata, newVersions map[string]string) (Config, error)
	PutWrites(ctx context.Context, config Config, writes []ChannelWrite, taskID, taskPath string) error
	DeleteThread(ctx context.Context, threadID string) error
	DeleteThreadNamespace(ctx context.Context, threadID, namespace string) error
	ListThreadsNamespace(ctx context.Context, namespace string) ([]string, error)
}

// NewCheckpointID returns a sortable checkpoint id: a UTC timestamp prefix
// keeps ids monotonically comparable, the uuid suffix keeps them unique.
func NewCheckpointID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405.000000000Z"), uuid.NewString())
}

// NextVersion derives the successor version token for a channel. Version
// tokens are zero-padded counters so lexicographic order matches numeric
// order.
func NextVersion(current string) string {
	n := 0
	if current != "" {
		fmt.Sscanf(current, "%d", &n)
	}
	return fmt.Sprintf("%032d", n+1)
}

// Empty returns a checkpoint skeleton with fresh maps and a new id.
func Empty() Checkpoint {
	return Checkpoint{
		ID:              NewCheckpointID(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		ChannelValues:   make(map[string]any),
		ChannelVersions: make(map[string]string),
	}
}
