package tools

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec describes a tool the runtime engines may call.
type Spec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Sensitive   bool   `yaml:"sensitive" json:"sensitive"`
	Blocked     bool   `yaml:"blocked" json:"blocked,omitempty"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
}

// Timeout returns the execution budget of the tool, falling back to def.
func (s Spec) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return def
}

// Catalog indexes tool specs by name.
type Catalog struct {
	specs map[string]Spec
	order []string
}

type catalogFile struct {
	Tools []Spec `yaml:"tools"`
}

// NewCatalog builds a catalog from specs. Later specs replace earlier ones
// with the same name.
func NewCatalog(specs ...Spec) *Catalog {
	c := &Catalog{specs: make(map[string]Spec)}
	for _, s := range specs {
		if _, ok := c.specs[s.Name]; !ok {
			c.order = append(c.order, s.Name)
		}
		c.specs[s.Name] = s
	}
	return c
}

// DefaultCatalog describes the builtin workspace tools.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Spec{Name: "read_file", Description: "Read a file from the workspace", TimeoutMs: 5000},
		Spec{Name: "list_files", Description: "List a workspace directory", TimeoutMs: 5000},
		Spec{Name: "write_file", Description: "Write a file into the workspace", Sensitive: true, TimeoutMs: 10000},
		Spec{Name: "delete_file", Description: "Delete a workspace file", Sensitive: true, TimeoutMs: 5000},
	)
}

// LoadCatalog reads a YAML catalog of the form
//
//	tools:
//	  - name: write_file
//	    sensitive: true
//
// and layers it over the default catalog. An empty path yields the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	base := DefaultCatalog()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	specs := base.List()
	for _, s := range file.Tools {
		if s.Name == "" {
			return nil, fmt.Errorf("tool catalog entry without name")
		}
		specs = append(specs, s)
	}
	return NewCatalog(specs...), nil
}

// Get returns the spec for name.
func (c *Catalog) Get(name string) (Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// List returns all specs in registration order.
func (c *Catalog) List() []Spec {
	out := make([]Spec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.specs[name])
	}
	return out
}
