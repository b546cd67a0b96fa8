package docjobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditLog is the append-only, line-oriented log file dedicated to one
// documentation job. Every line is timestamped and human readable.
type AuditLog struct {
	Path string
}

// CreateAuditLog allocates a fresh log file under dir, named by a UTC
// timestamp plus the session suffix so concurrent jobs never collide.
func CreateAuditLog(dir, sessionID string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	ts := time.Now().UTC().Format("20060102_150405.000000000Z")
	suffix := strings.TrimSpace(sessionID)
	if suffix == "" {
		suffix = uuid.NewString()[:8]
	}
	path := filepath.Join(dir, fmt.Sprintf("docgen_%s_%s.log", ts, suffix))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	file.Close()
	return &AuditLog{Path: path}, nil
}

// WriteHeader records the run preamble.
func (l *AuditLog) WriteHeader(rootDir, sessionID string) error {
	if err := l.AppendLine("# documentation generation log"); err != nil {
		return err
	}
	if err := l.AppendLine("# created_utc=" + time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if err := l.AppendLine("# root_dir=" + rootDir); err != nil {
		return err
	}
	if sessionID != "" {
		return l.AppendLine("# session_id=" + sessionID)
	}
	return nil
}

// AppendChange records one generation decision for a file member.
func (l *AuditLog) AppendChange(action, filePath, memberType, signature, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return l.AppendLine(fmt.Sprintf("%s\t%s\tfile=%s\ttype=%s\tsignature=%s\treason=%s",
		now, action, filePath, memberType, signature, reason))
}

// AppendLine appends one line to the log file. Each append opens the file
// fresh so a crashed worker never holds the log hostage.
func (l *AuditLog) AppendLine(line string) error {
	file, err := os.OpenFile(l.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(strings.TrimRight(line, "\n") + "\n"); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

// SafeLogFilename validates a user-supplied log filename, rejecting path
// separators and traversal.
func SafeLogFilename(name string) (string, bool) {
	if name == "" || name == "." || name == ".." {
		return "", false
	}
	if strings.ContainsAny(name, "/\\") {
		return "", false
	}
	return name, true
}
