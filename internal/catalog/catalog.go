package catalog

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// WorkerSpec describes one worker type the supervisor can run.
//
// Admission only checks filesystem paths in parameters named "path", "dir"
// or ending in Path, _path, Dir or _dir (plurals included), at any depth. A
// worker taking a path under another name ("file", "src") is not confined to
// the allowed roots.
type WorkerSpec struct {
	TypeID           string            `yaml:"type"`
	ExecutablePath   string            `yaml:"executable"`
	Args             []string          `yaml:"args"`
	Env              map[string]string `yaml:"env"`
	RequiresAutonomy bool              `yaml:"requires_autonomy"`
	// ContainerImage selects the image for container execution. Workers with
	// Container set and no image use the supervisor's default image.
	ContainerImage string `yaml:"container_image"`
	Container      bool   `yaml:"container"`
	// CodeDir is mounted read-only into containers. Defaults to the
	// executable's directory.
	CodeDir    string        `yaml:"code_dir"`
	MaxRuntime time.Duration `yaml:"max_runtime"`
	// RetryLimit overrides the supervisor default when set.
	RetryLimit *int `yaml:"retry_limit"`
}

// WantsContainer reports whether the worker asked for container isolation.
func (w WorkerSpec) WantsContainer() bool {
	return w.Container || strings.TrimSpace(w.ContainerImage) != ""
}

// CodeDirectory returns the directory holding the worker's code.
func (w WorkerSpec) CodeDirectory() string {
	if strings.TrimSpace(w.CodeDir) != "" {
		return w.CodeDir
	}
	return filepath.Dir(w.ExecutablePath)
}

// Validate checks the fields the supervisor relies on.
func (w WorkerSpec) Validate() error {
	if strings.TrimSpace(w.TypeID) == "" {
		return fmt.Errorf("worker type is required")
	}
	if strings.TrimSpace(w.ExecutablePath) == "" {
		return fmt.Errorf("worker %s: executable is required", w.TypeID)
	}
	if w.MaxRuntime < 0 {
		return fmt.Errorf("worker %s: max_runtime must not be negative", w.TypeID)
	}
	if w.RetryLimit != nil && *w.RetryLimit < 0 {
		return fmt.Errorf("worker %s: retry_limit must not be negative", w.TypeID)
	}
	return nil
}

func (w WorkerSpec) clone() WorkerSpec {
	out := w
	out.Args = slices.Clone(w.Args)
	out.Env = maps.Clone(w.Env)
	if w.RetryLimit != nil {
		limit := *w.RetryLimit
		out.RetryLimit = &limit
	}
	return out
}

// Catalog is a read-only lookup of worker specs by type id.
type Catalog struct {
	specs map[string]WorkerSpec
}

// New validates specs and indexes them.
func New(specs []WorkerSpec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]WorkerSpec, len(specs))}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.specs[spec.TypeID]; dup {
			return nil, fmt.Errorf("duplicate worker type %q", spec.TypeID)
		}
		c.specs[spec.TypeID] = spec.clone()
	}
	return c, nil
}

// Lookup returns the WorkerSpec registered for typeID.
func (c *Catalog) Lookup(typeID string) (WorkerSpec, bool) {
	if c == nil {
		return WorkerSpec{}, false
	}
	spec, ok := c.specs[typeID]
	if !ok {
		return WorkerSpec{}, false
	}
	return spec.clone(), true
}

// List returns every spec ordered by type id.
func (c *Catalog) List() []WorkerSpec {
	if c == nil {
		return nil
	}
	out := make([]WorkerSpec, 0, len(c.specs))
	for _, id := range slices.Sorted(maps.Keys(c.specs)) {
		out = append(out, c.specs[id].clone())
	}
	return out
}
