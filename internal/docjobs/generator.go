package docjobs

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeatlas-dev/codeatlas/internal/llm"
)

// Generator produces documentation for every eligible member under a
// root directory, appending its decisions to the audit log. It must poll
// ctx between units of work and return promptly once the context is
// cancelled; a partial summary on cancellation is fine.
type Generator func(ctx context.Context, rootDir string, opts Options, log *AuditLog) (map[string]any, error)

var sourceExtensions = map[string]struct{}{
	".java": {},
	".go":   {},
	".py":   {},
	".ts":   {},
	".js":   {},
}

// ScanGenerator is the default Generator: it walks the tree, skips
// members below the meaningful-line threshold and asks the configured
// provider for a summary of the rest. Without a provider it still scans
// and logs, which keeps the job pipeline exercisable offline.
func ScanGenerator(ctx context.Context, rootDir string, opts Options, log *AuditLog) (map[string]any, error) {
	minLines := opts.MinMeaningfulLines
	if minLines <= 0 {
		minLines = 3
	}

	var scanned, documented, skipped int
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := sourceExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		scanned++

		meaningful, err := countMeaningfulLines(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if meaningful < minLines {
			skipped++
			return log.AppendChange("SKIPPED", path, "file", "", fmt.Sprintf("below %d meaningful lines", minLines))
		}

		reason := "documentation generated"
		if opts.Provider == nil {
			reason = "scanned (no provider configured)"
		} else if err := summarizeFile(ctx, opts.Provider, path); err != nil {
			return fmt.Errorf("summarize %s: %w", path, err)
		}
		documented++
		return log.AppendChange("DOC_GENERATED", path, "file", filepath.Base(path), reason)
	})

	summary := map[string]any{
		"files_scanned":    scanned,
		"files_documented": documented,
		"files_skipped":    skipped,
	}
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-run: hand back what was done so far.
			return summary, nil
		}
		return nil, err
	}
	return summary, nil
}

func summarizeFile(ctx context.Context, provider llm.Provider, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := string(data)
	if len(content) > 8000 {
		content = content[:8000]
	}
	_, err = provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Write a concise documentation comment for the following source file."},
		{Role: "user", Content: content},
	})
	return err
}

func countMeaningfulLines(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "/*") {
			continue
		}
		count++
	}
	return count, scanner.Err()
}
