package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Client is the slice of the docker CLI the container backend needs.
type Client interface {
	// Binary is the executable `docker start -ai` is launched with.
	Binary() string
	// ContainerCreate creates the container without starting it. Image pulls
	// and daemon-side validation happen here.
	ContainerCreate(ctx context.Context, opts RunOpts) error
	ContainerStop(ctx context.Context, name string, timeout time.Duration) error
	ContainerKill(ctx context.Context, name string) error
	ContainerRemove(ctx context.Context, name string) error
	ContainerStats(ctx context.Context, name string) (Stats, error)
}

// Stats is one `docker stats` sample.
type Stats struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Mount is a bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunOpts defines an interactive, auto-removed container.
type RunOpts struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string
	Mounts  []Mount
	WorkDir string

	MemoryBytes    uint64
	CPUShares      int64
	NetworkMode    string
	CapDrop        []string
	CapAdd         []string
	SecurityOpt    []string
	ReadOnlyRootfs bool
}

// Exit codes the docker CLI uses when the container itself could not run:
// a daemon or create error, a command that cannot be invoked, or one that is
// not found.
const (
	ExitDaemonError     = 125
	ExitCannotInvoke    = 126
	ExitCommandNotFound = 127
)

// StartFailureCodes lists the exit codes of `docker start -ai` that mean the
// worker never ran.
var StartFailureCodes = []int{ExitDaemonError, ExitCannotInvoke, ExitCommandNotFound}

// CreateArgs renders opts as `docker create` arguments. The container keeps
// stdin open so the run command can be written to it once attached.
func CreateArgs(opts RunOpts) []string {
	args := []string{"create", "-i", "--rm", "--name", opts.Name}

	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatUint(opts.MemoryBytes, 10))
	}
	if opts.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.FormatInt(opts.CPUShares, 10))
	}
	if opts.NetworkMode != "" {
		args = append(args, "--network", opts.NetworkMode)
	}
	for _, c := range opts.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	for _, c := range opts.CapAdd {
		args = append(args, "--cap-add", c)
	}
	for _, s := range opts.SecurityOpt {
		args = append(args, "--security-opt", s)
	}
	if opts.ReadOnlyRootfs {
		args = append(args, "--read-only")
	}
	for _, m := range opts.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", m.Source+":"+m.Target+":"+mode)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = append(args, opts.Image)
	return append(args, opts.Command...)
}

// StartArgs attaches stdin, stdout and stderr to a created container and
// starts it.
func StartArgs(name string) []string {
	return []string{"start", "-a", "-i", name}
}

// CLIClient implements Client by shelling out to the docker CLI.
type CLIClient struct {
	dockerBin string
}

// NewCLIClient creates a CLI client. An empty bin means "docker" on PATH.
func NewCLIClient(bin string) *CLIClient {
	if bin == "" {
		bin = "docker"
	}
	if p, err := exec.LookPath(bin); err == nil {
		bin = p
	}
	return &CLIClient{dockerBin: bin}
}

func (c *CLIClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.dockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (c *CLIClient) Binary() string { return c.dockerBin }

func (c *CLIClient) ContainerCreate(ctx context.Context, opts RunOpts) error {
	_, err := c.run(ctx, CreateArgs(opts)...)
	return err
}

func (c *CLIClient) ContainerStop(ctx context.Context, name string, timeout time.Duration) error {
	args := []string{"stop"}
	if timeout > 0 {
		args = append(args, "-t", strconv.Itoa(int(timeout.Seconds())))
	}
	args = append(args, name)
	_, err := c.run(ctx, args...)
	return err
}

func (c *CLIClient) ContainerKill(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill", name)
	return err
}

func (c *CLIClient) ContainerRemove(ctx context.Context, name string) error {
	_, err := c.run(ctx, "rm", "-f", name)
	return err
}

func (c *CLIClient) ContainerStats(ctx context.Context, name string) (Stats, error) {
	out, err := c.run(ctx, "stats", "--no-stream", "--format", "{{json .}}", name)
	if err != nil {
		return Stats{}, err
	}
	return ParseStats([]byte(out))
}

type dockerStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
}

// ParseStats reads one line of `docker stats --format '{{json .}}'`.
func ParseStats(line []byte) (Stats, error) {
	var raw dockerStats
	if err := json.Unmarshal(bytes.TrimSpace(line), &raw); err != nil {
		return Stats{}, fmt.Errorf("parse stats output: %w", err)
	}

	var stats Stats
	if cpu := strings.TrimSuffix(strings.TrimSpace(raw.CPUPerc), "%"); cpu != "" && cpu != "--" {
		v, err := strconv.ParseFloat(cpu, 64)
		if err != nil {
			return Stats{}, fmt.Errorf("parse cpu %q: %w", raw.CPUPerc, err)
		}
		stats.CPUPercent = v
	}

	usage, _, _ := strings.Cut(raw.MemUsage, "/")
	if usage = strings.TrimSpace(usage); usage != "" && usage != "--" {
		v, err := humanize.ParseBytes(usage)
		if err != nil {
			return Stats{}, fmt.Errorf("parse memory %q: %w", raw.MemUsage, err)
		}
		stats.MemoryBytes = v
	}
	return stats, nil
}

// IsNotFound reports whether a CLI error says the container is gone.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "is not running")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
