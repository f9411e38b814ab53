package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Workspace confines the file tools to a root directory.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at root.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a tool path onto the workspace. Absolute paths are taken
// relative to the root and ".." cannot escape it.
func (w *Workspace) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := filepath.Clean("/" + filepath.ToSlash(p))
	return filepath.Join(w.root, filepath.FromSlash(clean)), nil
}

// Register installs the workspace tools into r.
func (w *Workspace) Register(r *Registry) {
	r.MustRegister("write_file", w.writeFile)
	r.MustRegister("read_file", w.readFile)
	r.MustRegister("list_files", w.listFiles)
	r.MustRegister("delete_file", w.deleteFile)
}

// NewWorkspaceRegistry returns a registry holding the workspace tools.
func NewWorkspaceRegistry(w *Workspace) *Registry {
	r := NewRegistry()
	w.Register(r)
	return r
}

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Overwrite bool   `json:"overwrite"`
}

func (w *Workspace) writeFile(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args writeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	full, err := w.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(full); err == nil && !args.Overwrite {
		return nil, fmt.Errorf("%s already exists", args.Path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"path": args.Path, "bytes": len(args.Content)})
}

func (w *Workspace) readFile(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	full, err := w.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s does not exist", args.Path)
		}
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"path": args.Path, "content": string(data)})
}

type entry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

func (w *Workspace) listFiles(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args pathArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
	}
	if args.Path == "" {
		args.Path = "/"
	}
	full, err := w.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{Name: de.Name(), Dir: de.IsDir(), Size: info.Size()})
	}
	return json.Marshal(map[string]interface{}{"path": args.Path, "entries": entries})
}

func (w *Workspace) deleteFile(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	full, err := w.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	if full == w.root {
		return nil, fmt.Errorf("refusing to delete workspace root")
	}
	if err := os.Remove(full); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"deleted": args.Path})
}
