package tooling

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxReadBytes   = 256 * 1024
	maxGrepMatches = 200
)

// RegisterBuiltins installs the developer tool set rooted at dir.
func RegisterBuiltins(r *Registry, root string) {
	r.Register(&listPackagesTool{root: root})
	r.Register(&readFileTool{root: root})
	r.Register(&grepTool{root: root})
}

// resolveUnder joins rel onto root and rejects paths that escape it.
func resolveUnder(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := filepath.Join(root, filepath.Clean("/"+rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return abs, nil
}

// listPackagesTool reports the top-level packages (directories) of the
// workspace, with an entry count per package.
type listPackagesTool struct {
	root string
}

func (t *listPackagesTool) Name() string { return "list_packages" }

func (t *listPackagesTool) Description() string {
	return "List the packages (top-level directories) in the workspace with their file counts."
}

func (t *listPackagesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prefix": {"type": "string", "description": "Only list packages whose name starts with this prefix."}
		}
	}`)
}

func (t *listPackagesTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in struct {
		Prefix string `json:"prefix"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return &Result{Status: "error", Error: "invalid arguments: " + err.Error()}, nil
		}
	}

	entries, err := os.ReadDir(t.root)
	if err != nil {
		return &Result{Status: "error", Error: err.Error()}, nil
	}

	type pkg struct {
		Name  string `json:"name"`
		Files int    `json:"files"`
	}
	var packages []pkg
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		if in.Prefix != "" && !strings.HasPrefix(e.Name(), in.Prefix) {
			continue
		}
		sub, err := os.ReadDir(filepath.Join(t.root, e.Name()))
		if err != nil {
			continue
		}
		packages = append(packages, pkg{Name: e.Name(), Files: len(sub)})
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })
	return &Result{Status: "ok", Output: map[string]any{
		"packages": packages,
		"count":    len(packages),
	}}, nil
}

// readFileTool returns a file's content, capped at maxReadBytes.
type readFileTool struct {
	root string
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read a file from the workspace. Paths are relative to the workspace root."
}

func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path."}
		}
	}`)
}

func (t *readFileTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return &Result{Status: "error", Error: "invalid arguments: " + err.Error()}, nil
	}
	abs, err := resolveUnder(t.root, in.Path)
	if err != nil {
		return &Result{Status: "error", Error: err.Error()}, nil
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return &Result{Status: "error", Error: err.Error()}, nil
	}
	truncated := false
	if len(raw) > maxReadBytes {
		raw = raw[:maxReadBytes]
		truncated = true
	}
	return &Result{Status: "ok", Output: map[string]any{
		"path":      in.Path,
		"content":   string(raw),
		"truncated": truncated,
	}}, nil
}

// grepTool searches workspace files for a regular expression.
type grepTool struct {
	root string
}

func (t *grepTool) Name() string { return "grep" }

func (t *grepTool) Description() string {
	return "Search workspace files line by line with a regular expression."
}

func (t *grepTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["pattern"],
		"properties": {
			"pattern": {"type": "string", "description": "RE2 regular expression."},
			"path": {"type": "string", "description": "Restrict the search to this workspace-relative path."}
		}
	}`)
}

func (t *grepTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return &Result{Status: "error", Error: "invalid arguments: " + err.Error()}, nil
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return &Result{Status: "error", Error: "invalid pattern: " + err.Error()}, nil
	}

	start := t.root
	if in.Path != "" {
		start, err = resolveUnder(t.root, in.Path)
		if err != nil {
			return &Result{Status: "error", Error: err.Error()}, nil
		}
	}

	type match struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != start && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxGrepMatches {
			return filepath.SkipAll
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		rel, _ := filepath.Rel(t.root, path)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				matches = append(matches, match{File: rel, Line: lineNo, Text: line})
				if len(matches) >= maxGrepMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return &Result{Status: "error", Error: walkErr.Error()}, nil
	}
	return &Result{Status: "ok", Output: map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": len(matches) >= maxGrepMatches,
	}}, nil
}
