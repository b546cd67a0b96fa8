package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/codeatlas-dev/codeatlas/internal/sqlitedb"
)

// SQLiteSaver is the durable Saver implementation. Checkpoint bodies,
// channel blobs and pending writes live in three tables keyed by
// (thread_id, checkpoint_ns); every operation opens a short-lived
// statement against the pooled connection, there are no long-held locks.
type SQLiteSaver struct {
	db *sqlx.DB
}

var _ Saver = (*SQLiteSaver)(nil)

// Open constructs a SQLiteSaver backed by the database at the provided
// path. The schema is migrated on first use.
func Open(path string) (*SQLiteSaver, error) {
	cfg, err := sqlitedb.LoadConfig("CHECKPOINT_SQLITE")
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig constructs a SQLiteSaver using the provided configuration.
func OpenWithConfig(cfg sqlitedb.Config) (*SQLiteSaver, error) {
	db, err := sqlitedb.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(context.Background(), db, schemaStatements); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteSaver{db: db}, nil
}

// Close releases the underlying database resources.
func (s *SQLiteSaver) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
                thread_id TEXT NOT NULL,
                checkpoint_ns TEXT NOT NULL,
                checkpoint_id TEXT NOT NULL,
                parent_checkpoint_id TEXT,
                checkpoint_type TEXT NOT NULL,
                checkpoint_blob BLOB NOT NULL,
                metadata_type TEXT NOT NULL,
                metadata_blob BLOB NOT NULL,
                PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_latest
                ON checkpoints(thread_id, checkpoint_ns, checkpoint_id DESC);`,
	`CREATE TABLE IF NOT EXISTS blobs (
                thread_id TEXT NOT NULL,
                checkpoint_ns TEXT NOT NULL,
                channel TEXT NOT NULL,
                version TEXT NOT NULL,
                value_type TEXT NOT NULL,
                value_blob BLOB NOT NULL,
                PRIMARY KEY (thread_id, checkpoint_ns, channel, version)
        );`,
	`CREATE TABLE IF NOT EXISTS writes (
                thread_id TEXT NOT NULL,
                checkpoint_ns TEXT NOT NULL,
                checkpoint_id TEXT NOT NULL,
                task_id TEXT NOT NULL,
                write_idx INTEGER NOT NULL,
                channel TEXT NOT NULL,
                value_type TEXT NOT NULL,
                value_blob BLOB NOT NULL,
                task_path TEXT NOT NULL DEFAULT '',
                PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_writes_lookup
                ON writes(thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx);`,
}

type checkpointRow struct {
	CheckpointID       string         `db:"checkpoint_id"`
	ParentCheckpointID sql.NullString `db:"parent_checkpoint_id"`
	CheckpointType     string         `db:"checkpoint_type"`
	CheckpointBlob     []byte         `db:"checkpoint_blob"`
	MetadataType       string         `db:"metadata_type"`
	MetadataBlob       []byte         `db:"metadata_blob"`
}

type writeRow struct {
	TaskID    string `db:"task_id"`
	WriteIdx  int    `db:"write_idx"`
	Channel   string `db:"channel"`
	ValueType string `db:"value_type"`
	ValueBlob []byte `db:"value_blob"`
	TaskPath  string `db:"task_path"`
}

// GetTuple fetches one checkpoint: the exact id when the config names
// one, otherwise the latest for the (thread, namespace) scope. Reads that
// find nothing return (nil, nil).
func (s *SQLiteSaver) GetTuple(ctx context.Context, config Config) (*Tuple, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("checkpoint saver not initialised")
	}
	threadID := strings.TrimSpace(config.ThreadID)
	if threadID == "" {
		return nil, errors.New("thread id required")
	}

	var row checkpointRow
	var err error
	if config.CheckpointID != "" {
		err = s.db.GetContext(ctx, &row,
			`SELECT checkpoint_id, parent_checkpoint_id, checkpoint_type, checkpoint_blob, metadata_type, metadata_blob
                        FROM checkpoints
                        WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
			threadID, config.Namespace, config.CheckpointID)
	} else {
		err = s.db.GetContext(ctx, &row,
			`SELECT checkpoint_id, parent_checkpoint_id, checkpoint_type, checkpoint_blob, metadata_type, metadata_blob
                        FROM checkpoints
                        WHERE thread_id = ? AND checkpoint_ns = ?
                        ORDER BY checkpoint_id DESC
                        LIMIT 1`,
			threadID, config.Namespace)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}

	var ckpt Checkpoint
	if err := loadsTypedInto(row.CheckpointType, row.CheckpointBlob, &ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint body: %w", err)
	}
	ckpt.ID = row.CheckpointID

	values, err := s.loadChannelValues(ctx, threadID, config.Namespace, ckpt.ChannelVersions)
	if err != nil {
		return nil, err
	}
	ckpt.ChannelValues = values

	var metadata Metadata
	if err := loadsTypedInto(row.MetadataType, row.MetadataBlob, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	writeRows := []writeRow{}
	if err := s.db.SelectContext(ctx, &writeRows,
		`SELECT task_id, write_idx, channel, value_type, value_blob, task_path
                FROM writes
                WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
                ORDER BY task_id ASC, write_idx ASC`,
		threadID, config.Namespace, row.CheckpointID); err != nil {
		return nil, fmt.Errorf("select pending writes: %w", err)
	}
	pending := make([]PendingWrite, 0, len(writeRows))
	for _, wr := range writeRows {
		value, err := loadsTyped(wr.ValueType, wr.ValueBlob)
		if err != nil {
			return nil, fmt.Errorf("decode pending write: %w", err)
		}
		pending = append(pending, PendingWrite{TaskID: wr.TaskID, Channel: wr.Channel, Value: value})
	}

	tuple := &Tuple{
		Config: Config{
			ThreadID:     threadID,
			Namespace:    config.Namespace,
			CheckpointID: row.CheckpointID,
		},
		Checkpoint:    ckpt,
		Metadata:      metadata,
		PendingWrites: pending,
	}
	if row.ParentCheckpointID.Valid && row.ParentCheckpointID.String != "" {
		tuple.ParentConfig = &Config{
			ThreadID:     threadID,
			Namespace:    config.Namespace,
			CheckpointID: row.ParentCheckpointID.String,
		}
	}
	return tuple, nil
}

// List returns checkpoints for the scope ordered by checkpoint id
// descending. before (when non-nil) excludes checkpoints at or after its
// id; limit <= 0 means no cap. Each element is materialised through one
// GetTuple call, so the sequence is restartable rather than a live cursor.
func (s *SQLiteSaver) List(ctx context.Context, config Config, before *Config, limit int) ([]*Tuple, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("checkpoint saver not initialised")
	}
	threadID := strings.TrimSpace(config.ThreadID)
	if threadID == "" {
		return nil, nil
	}

	query := `SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []any{threadID, config.Namespace}
	if before != nil && before.CheckpointID != "" {
		query += ` AND checkpoint_id < ?`
		args = append(args, before.CheckpointID)
	}
	query += ` ORDER BY checkpoint_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	tuples := make([]*Tuple, 0, len(ids))
	for _, id := range ids {
		tuple, err := s.GetTuple(ctx, Config{ThreadID: threadID, Namespace: config.Namespace, CheckpointID: id})
		if err != nil {
			return nil, err
		}
		if tuple != nil {
			tuples = append(tuples, tuple)
		}
	}
	return tuples, nil
}

// Put persists a checkpoint. For every channel in newVersions one blob
// row is written (the checkpoint's in-memory value when present, an empty
// sentinel otherwise), then the checkpoint row itself is inserted or
// replaced. Channels absent from newVersions are not re-serialised. The
// parent checkpoint id is taken from the caller's config.
func (s *SQLiteSaver) Put(ctx context.Context, config Config, ckpt Checkpoint, metadata Metadata, newVersions map[string]string) (Config, error) {
	if s == nil || s.db == nil {
		return Config{}, errors.New("checkpoint saver not initialised")
	}
	threadID := strings.TrimSpace(config.ThreadID)
	if threadID == "" {
		return Config{}, errors.New("thread id required")
	}
	if ckpt.ID == "" {
		return Config{}, errors.New("checkpoint id required")
	}

	for channel, version := range newVersions {
		valueType := TypeEmpty
		var blob []byte
		if value, ok := ckpt.ChannelValues[channel]; ok {
			var err error
			valueType, blob, err = dumpsTyped(value)
			if err != nil {
				return Config{}, fmt.Errorf("encode channel %s: %w", channel, err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO blobs(thread_id, checkpoint_ns, channel, version, value_type, value_blob)
                        VALUES (?, ?, ?, ?, ?, ?)`,
			threadID, config.Namespace, channel, version, valueType, blob); err != nil {
			return Config{}, fmt.Errorf("insert blob: %w", err)
		}
	}

	// The stored body excludes channel values; they live in blobs.
	bodyType, bodyBlob, err := dumpsTyped(ckpt)
	if err != nil {
		return Config{}, fmt.Errorf("encode checkpoint body: %w", err)
	}
	if metadata == nil {
		metadata = Metadata{}
	}
	metaType, metaBlob, err := dumpsTyped(metadata)
	if err != nil {
		return Config{}, fmt.Errorf("encode metadata: %w", err)
	}

	var parent any
	if config.CheckpointID != "" {
		parent = config.CheckpointID
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints(
                        thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id,
                        checkpoint_type, checkpoint_blob, metadata_type, metadata_blob)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		threadID, config.Namespace, ckpt.ID, parent, bodyType, bodyBlob, metaType, metaBlob); err != nil {
		return Config{}, fmt.Errorf("insert checkpoint: %w", err)
	}

	return Config{ThreadID: threadID, Namespace: config.Namespace, CheckpointID: ckpt.ID}, nil
}

// PutWrites appends pending writes for a checkpoint. Reserved channels
// map to fixed indices and overwrite in place; other channels take their
// enumeration index shifted past the reserved block, so the two ranges
// never collide within a batch, and rely on INSERT OR IGNORE so retries
// are idempotent per index position.
func (s *SQLiteSaver) PutWrites(ctx context.Context, config Config, writes []ChannelWrite, taskID, taskPath string) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint saver not initialised")
	}
	threadID := strings.TrimSpace(config.ThreadID)
	if threadID == "" {
		return errors.New("thread id required")
	}
	if config.CheckpointID == "" {
		return errors.New("checkpoint id required")
	}

	for idx, write := range writes {
		writeIdx, reserved := WritesIdxMap[write.Channel]
		if !reserved {
			writeIdx = len(WritesIdxMap) + idx
			// Retries leave a previously stored row untouched.
			var exists int
			err := s.db.GetContext(ctx, &exists,
				`SELECT 1 FROM writes
                                WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? AND task_id = ? AND write_idx = ?`,
				threadID, config.Namespace, config.CheckpointID, taskID, writeIdx)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check pending write: %w", err)
			}
		}

		valueType, blob, err := dumpsTyped(write.Value)
		if err != nil {
			return fmt.Errorf("encode pending write: %w", err)
		}
		verb := `INSERT OR IGNORE`
		if reserved {
			// Reserved channels overwrite in place at their fixed index.
			verb = `INSERT OR REPLACE`
		}
		if _, err := s.db.ExecContext(ctx, verb+` INTO writes(
                                thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx,
                                channel, value_type, value_blob, task_path)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			threadID, config.Namespace, config.CheckpointID, taskID, writeIdx,
			write.Channel, valueType, blob, taskPath); err != nil {
			return fmt.Errorf("insert pending write: %w", err)
		}
	}
	return nil
}

// DeleteThread removes all checkpoints, blobs and pending writes for a
// thread across every namespace.
func (s *SQLiteSaver) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint saver not initialised")
	}
	if strings.TrimSpace(threadID) == "" {
		return errors.New("thread id required")
	}
	for _, table := range []string{"writes", "blobs", "checkpoints"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ?`, table), threadID); err != nil {
			return fmt.Errorf("delete thread from %s: %w", table, err)
		}
	}
	return nil
}

// DeleteThreadNamespace removes a thread's rows for one namespace only.
func (s *SQLiteSaver) DeleteThreadNamespace(ctx context.Context, threadID, namespace string) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint saver not initialised")
	}
	if strings.TrimSpace(threadID) == "" {
		return errors.New("thread id required")
	}
	for _, table := range []string{"writes", "blobs", "checkpoints"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ? AND checkpoint_ns = ?`, table),
			threadID, namespace); err != nil {
			return fmt.Errorf("delete thread namespace from %s: %w", table, err)
		}
	}
	return nil
}

// ListThreadsNamespace returns the distinct thread ids that have
// checkpoints under the namespace, sorted ascending.
func (s *SQLiteSaver) ListThreadsNamespace(ctx context.Context, namespace string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("checkpoint saver not initialised")
	}
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT thread_id FROM checkpoints WHERE checkpoint_ns = ? ORDER BY thread_id ASC`,
		namespace); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return ids, nil
}

func (s *SQLiteSaver) loadChannelValues(ctx context.Context, threadID, namespace string, versions map[string]string) (map[string]any, error) {
	values := make(map[string]any, len(versions))
	for channel, version := range versions {
		var row struct {
			ValueType string `db:"value_type"`
			ValueBlob []byte `db:"value_blob"`
		}
		err := s.db.GetContext(ctx, &row,
			`SELECT value_type, value_blob FROM blobs
                        WHERE thread_id = ? AND checkpoint_ns = ? AND channel = ? AND version = ?`,
			threadID, namespace, channel, version)
		if errors.Is(err, sql.ErrNoRows) {
			// Missing blob rows are non-fatal: the value is unset.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("select blob: %w", err)
		}
		if row.ValueType == TypeEmpty {
			continue
		}
		value, err := loadsTyped(row.ValueType, row.ValueBlob)
		if err != nil {
			return nil, fmt.Errorf("decode channel %s: %w", channel, err)
		}
		values[channel] = value
	}
	return values, nil
}
