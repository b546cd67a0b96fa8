// Package indexing turns source trees into graph and vector state. The
// parser is deliberately heuristic: it extracts method signatures and
// call candidates with regular expressions, which is enough for the
// substring call matcher downstream.
package indexing

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codeatlas-dev/codeatlas/internal/graph"
)

// Parser extracts code blocks from a source tree.
type Parser interface {
	Parse(ctx context.Context, rootDir, project string) ([]graph.CodeBlock, error)
}

var parserExtensions = map[string]struct{}{
	".java": {},
	".go":   {},
	".py":   {},
	".ts":   {},
	".js":   {},
}

var (
	// Matches "modifiers/type name(args) {" and "def name(args):" shapes.
	// The capture is the last identifier before the argument list.
	methodPattern = regexp.MustCompile(`(?m)^\s*(?:[\w<>\[\],.*&]+\s+)*([A-Za-z_][A-Za-z0-9_]*)\s*\([^)]*\)[^{:\n]*[:{]`)
	callPattern   = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

var callKeywords = map[string]struct{}{
	"if": {}, "elif": {}, "else": {}, "for": {}, "while": {}, "switch": {},
	"return": {}, "func": {}, "def": {}, "function": {}, "class": {},
	"catch": {}, "except": {}, "with": {}, "new": {}, "make": {},
	"len": {}, "range": {}, "print": {}, "super": {}, "raise": {},
}

// RegexParser is the default Parser.
type RegexParser struct{}

var _ Parser = (*RegexParser)(nil)

func NewRegexParser() *RegexParser {
	return &RegexParser{}
}

func (p *RegexParser) Parse(ctx context.Context, rootDir, project string) ([]graph.CodeBlock, error) {
	var blocks []graph.CodeBlock
	err := filepath.WalkDir(rootDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if name := entry.Name(); strings.HasPrefix(name, ".") && path != rootDir {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := parserExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		rel, relErr := filepath.Rel(rootDir, path)
		if relErr != nil {
			rel = path
		}
		fileBlocks, parseErr := parseFile(path, rel, project)
		if parseErr != nil {
			return fmt.Errorf("parse %s: %w", rel, parseErr)
		}
		blocks = append(blocks, fileBlocks...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// parseFile splits a file into per-method blocks. A block runs from one
// signature match to the next; calls are every identifier applied inside
// the block, minus language keywords and the method's own name.
func parseFile(path, relPath, project string) ([]graph.CodeBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	matches := methodPattern.FindAllStringSubmatchIndex(content, -1)
	blocks := make([]graph.CodeBlock, 0, len(matches))
	for i, match := range matches {
		name := content[match[2]:match[3]]
		if _, keyword := callKeywords[strings.ToLower(name)]; keyword {
			continue
		}
		bodyEnd := len(content)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		signature := firstLine(content[match[0]:match[1]])
		body := content[match[1]:bodyEnd]
		blocks = append(blocks, graph.CodeBlock{
			ID:        fmt.Sprintf("%s#%s", relPath, name),
			Signature: signature,
			Calls:     extractCalls(body, name),
			FilePath:  relPath,
			Project:   project,
		})
	}
	return blocks, nil
}

func extractCalls(body, self string) []string {
	seen := make(map[string]struct{})
	var calls []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, match := range callPattern.FindAllStringSubmatch(scanner.Text(), -1) {
			callee := match[1]
			if callee == self {
				continue
			}
			if _, keyword := callKeywords[strings.ToLower(callee)]; keyword {
				continue
			}
			if _, dup := seen[callee]; dup {
				continue
			}
			seen[callee] = struct{}{}
			calls = append(calls, callee)
		}
	}
	return calls
}

func firstLine(text string) string {
	trimmed := strings.TrimSpace(text)
	if idx := strings.IndexAny(trimmed, "\r\n"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(strings.TrimRight(trimmed, "{:"))
}
