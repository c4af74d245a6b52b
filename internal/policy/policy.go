package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Policy is the admission and isolation policy as loaded from configuration.
type Policy struct {
	AllowedRoots          []string          `yaml:"allowed_roots"`
	BlockedRoots          []string          `yaml:"blocked_roots"`
	MaxConcurrentSessions int               `yaml:"max_concurrent_sessions"`
	AutonomyEnabled       bool              `yaml:"autonomy_enabled"`
	DefaultResourceLimits ResourceLimits    `yaml:"resource_limits"`
	ContainerDefaults     ContainerDefaults `yaml:"container"`
}

// ResourceLimits caps a single worker.
type ResourceLimits struct {
	MemoryBytes ByteSize `yaml:"memory"`
	CPUShares   int64    `yaml:"cpu_shares"`
}

// ContainerDefaults are the isolation flags applied to every container worker.
type ContainerDefaults struct {
	NetworkMode         string   `yaml:"network_mode"`
	CapabilitiesDropped []string `yaml:"cap_drop"`
	CapabilitiesAdded   []string `yaml:"cap_add"`
	SecurityOptions     []string `yaml:"security_opt"`
	ReadOnlyRootfs      bool     `yaml:"read_only_rootfs"`
}

// ByteSize accepts either a plain integer or a human readable size ("512MiB").
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("parse byte size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns the reference policy: no roots, four concurrent sessions,
// autonomy off, containers without network and with every capability dropped.
func Default() Policy {
	return Policy{
		MaxConcurrentSessions: 4,
		DefaultResourceLimits: ResourceLimits{
			MemoryBytes: 512 * humanize.MiByte,
			CPUShares:   512,
		},
		ContainerDefaults: ContainerDefaults{
			NetworkMode:         "none",
			CapabilitiesDropped: []string{"ALL"},
			SecurityOptions:     []string{"no-new-privileges"},
			ReadOnlyRootfs:      true,
		},
	}
}

// Store is the process-lifetime, read-only view of a Policy. Roots are
// normalised once at construction; nothing mutates a Store afterwards, so it
// is shared by pointer across goroutines without locking.
type Store struct {
	policy  Policy
	allowed []string
	blocked []string
	homeDir string
}

// Option customises Store construction.
type Option func(*Store)

// WithHomeDir overrides the directory substituted for "~".
func WithHomeDir(dir string) Option {
	return func(s *Store) { s.homeDir = dir }
}

// NewStore validates p and freezes it.
func NewStore(p Policy, opts ...Option) (*Store, error) {
	s := &Store{policy: clonePolicy(p)}
	for _, opt := range opts {
		opt(s)
	}
	if s.homeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.homeDir = home
		}
	}

	if p.MaxConcurrentSessions <= 0 {
		return nil, fmt.Errorf("max_concurrent_sessions must be positive, got %d", p.MaxConcurrentSessions)
	}
	if p.DefaultResourceLimits.MemoryBytes < 0 || p.DefaultResourceLimits.CPUShares < 0 {
		return nil, fmt.Errorf("resource limits must not be negative")
	}

	for _, root := range p.AllowedRoots {
		resolved, err := s.Resolve(root)
		if err != nil {
			return nil, fmt.Errorf("allowed root %q: %w", root, err)
		}
		s.allowed = append(s.allowed, resolved)
	}
	for _, root := range p.BlockedRoots {
		resolved, err := s.Resolve(root)
		if err != nil {
			return nil, fmt.Errorf("blocked root %q: %w", root, err)
		}
		s.blocked = append(s.blocked, resolved)
	}
	return s, nil
}

// Policy returns a copy of the frozen policy.
func (s *Store) Policy() Policy {
	return clonePolicy(s.policy)
}

// MaxConcurrentSessions is the global session ceiling.
func (s *Store) MaxConcurrentSessions() int { return s.policy.MaxConcurrentSessions }

// AutonomyEnabled is the global autonomy flag.
func (s *Store) AutonomyEnabled() bool { return s.policy.AutonomyEnabled }

// ResourceLimits returns the per-worker resource ceiling.
func (s *Store) ResourceLimits() ResourceLimits { return s.policy.DefaultResourceLimits }

// ContainerDefaults returns a copy of the container isolation flags.
func (s *Store) ContainerDefaults() ContainerDefaults {
	return clonePolicy(s.policy).ContainerDefaults
}

// AllowedRoots returns the normalised allow-list.
func (s *Store) AllowedRoots() []string { return slices.Clone(s.allowed) }

// BlockedRoots returns the normalised block-list.
func (s *Store) BlockedRoots() []string { return slices.Clone(s.blocked) }

// BlockedBy returns the blocked root containing path, if any. path must
// already be resolved.
func (s *Store) BlockedBy(path string) (string, bool) {
	for _, root := range s.blocked {
		if Within(root, path) {
			return root, true
		}
	}
	return "", false
}

// Allows reports whether path lies under an allowed root. path must already
// be resolved.
func (s *Store) Allows(path string) bool {
	for _, root := range s.allowed {
		if Within(root, path) {
			return true
		}
	}
	return false
}

// Resolve turns a user supplied path into an absolute, cleaned path with "~"
// substituted and symlinks evaluated. Components are resolved left to right,
// so a ".." after a symlink climbs out of the link target, as the kernel does.
func (s *Store) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	path = ExpandHome(path, s.homeDir)
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", path, err)
		}
		path = wd + string(filepath.Separator) + path
	}
	return resolvePhysical(path), nil
}

// ExpandHome substitutes a leading "~" with home.
func ExpandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		// No Join: cleaning here would fold ".." before symlinks are seen.
		return strings.TrimSuffix(home, string(filepath.Separator)) + path[1:]
	}
	return path
}

// Within reports whether target equals base or is one of its descendants.
// Both arguments must be absolute and clean.
func Within(base, target string) bool {
	if base == target {
		return true
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolvePhysical walks an absolute path one component at a time. Existing
// prefixes are passed through EvalSymlinks before the next component is
// applied. Missing components are kept lexically, so outputs that do not exist
// yet are still checked against their real parent.
func resolvePhysical(path string) string {
	current := string(filepath.Separator)
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			current = filepath.Dir(current)
			continue
		}
		next := filepath.Join(current, part)
		if resolved, err := filepath.EvalSymlinks(next); err == nil {
			next = resolved
		}
		current = next
	}
	return current
}

func clonePolicy(p Policy) Policy {
	out := p
	out.AllowedRoots = slices.Clone(p.AllowedRoots)
	out.BlockedRoots = slices.Clone(p.BlockedRoots)
	out.ContainerDefaults.CapabilitiesDropped = slices.Clone(p.ContainerDefaults.CapabilitiesDropped)
	out.ContainerDefaults.CapabilitiesAdded = slices.Clone(p.ContainerDefaults.CapabilitiesAdded)
	out.ContainerDefaults.SecurityOptions = slices.Clone(p.ContainerDefaults.SecurityOptions)
	return out
}
