package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DefaultReadLimit is the number of characters file_read returns before
// truncating.
const DefaultReadLimit = 10000

// Workspace is the directory the file and shell tools are confined to.
type Workspace struct {
	root string
}

// NewWorkspace creates root if needed and returns a Workspace anchored at
// its canonical path.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, errors.New("workspace path is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	return &Workspace{root: canon}, nil
}

// Root returns the canonical workspace path.
func (w *Workspace) Root() string { return w.root }

// Resolve maps rel to an absolute path inside the workspace. Symlinks in
// the existing part of the path are followed before the containment check,
// so a link pointing outside the workspace is rejected like "..".
func (w *Workspace) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("path is required")
	}

	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)

	canon, err := canonical(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	if !w.contains(canon) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return canon, nil
}

func (w *Workspace) contains(p string) bool {
	r, err := filepath.Rel(w.root, p)
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

// canonical evaluates symlinks in the longest existing prefix of p and
// appends the rest unchanged.
func canonical(p string) (string, error) {
	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// FileRead reads UTF-8 text files from the workspace.
type FileRead struct {
	ws    *Workspace
	limit int
}

// NewFileRead returns the file_read tool. A limit of zero selects
// DefaultReadLimit.
func NewFileRead(ws *Workspace, limit int) *FileRead {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	return &FileRead{ws: ws, limit: limit}
}

func (t *FileRead) Name() string        { return "file_read" }
func (t *FileRead) Description() string { return "Read a UTF-8 text file from the workspace" }

func (t *FileRead) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Relative path inside workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (t *FileRead) Execute(_ context.Context, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	abs, err := t.ws.Resolve(rel)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", rel)
		}
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("reading %s: not a UTF-8 text file", rel)
	}

	content := string(data)
	if utf8.RuneCountInString(content) > t.limit {
		return "(truncated) " + truncateRunes(content, t.limit), nil
	}
	return content, nil
}

// FileWrite writes text files in the workspace.
type FileWrite struct {
	ws *Workspace
}

// NewFileWrite returns the file_write tool.
func NewFileWrite(ws *Workspace) *FileWrite {
	return &FileWrite{ws: ws}
}

func (t *FileWrite) Name() string        { return "file_write" }
func (t *FileWrite) Description() string { return "Write text content to a file in the workspace" }

func (t *FileWrite) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
			"mode": map[string]any{
				"type":    "string",
				"enum":    []string{"overwrite", "append"},
				"default": "overwrite",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *FileWrite) Execute(_ context.Context, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	content := stringArg(args, "content")
	mode := stringArg(args, "mode")

	abs, err := t.ws.Resolve(rel)
	if err != nil {
		return "", err
	}
	if binary, err := isBinary(abs); err != nil {
		return "", err
	} else if binary {
		return "", fmt.Errorf("refusing to modify binary file: %s", rel)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if mode == "append" {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return fmt.Sprintf("Wrote %d bytes to %s", len(content), rel), nil
}

// isBinary reports whether an existing file looks binary: a NUL byte in
// its first 8KB. Missing files are not binary.
func isBinary(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 8192)
	n, _ := f.Read(buf)
	return bytes.IndexByte(buf[:n], 0) >= 0, nil
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
