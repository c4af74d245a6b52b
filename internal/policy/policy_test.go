package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewStoreRejectsNonPositiveCeiling(t *testing.T) {
	p := Default()
	p.MaxConcurrentSessions = 0
	_, err := NewStore(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_sessions")
}

func TestStoreSubstitutesHomeInRoots(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".ssh"), 0o755))

	p := Default()
	p.AllowedRoots = []string{"~/work"}
	p.BlockedRoots = []string{"~/.ssh"}
	store, err := NewStore(p, WithHomeDir(home))
	require.NoError(t, err)

	realHome, err := filepath.EvalSymlinks(home)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(realHome, "work")}, store.AllowedRoots())
	assert.Equal(t, []string{filepath.Join(realHome, ".ssh")}, store.BlockedRoots())

	keyPath, err := store.Resolve("~/.ssh/id_ed25519")
	require.NoError(t, err)
	root, blocked := store.BlockedBy(keyPath)
	assert.True(t, blocked)
	assert.Equal(t, filepath.Join(realHome, ".ssh"), root)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/data", "/data"))
	assert.True(t, Within("/data", "/data/in/file.txt"))
	assert.False(t, Within("/data", "/database"))
	assert.False(t, Within("/data", "/"))
	assert.False(t, Within("/data/in", "/data"))
}

func TestResolveFollowsSymlinkedParentOfMissingFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(target, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	store, err := NewStore(Default(), WithHomeDir(dir))
	require.NoError(t, err)

	resolved, err := store.Resolve(filepath.Join(link, "out.png"))
	require.NoError(t, err)

	realTarget, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realTarget, "out.png"), resolved)
}

func TestResolveAppliesDotDotAfterSymlink(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "allowed")
	outside := filepath.Join(dir, "outside", "nested")
	require.NoError(t, os.MkdirAll(allowed, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outside", "secret.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(allowed, "link")))

	store, err := NewStore(Default(), WithHomeDir(dir))
	require.NoError(t, err)

	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	want := filepath.Join(realDir, "outside", "secret.txt")

	resolved, err := store.Resolve(allowed + "/link/../secret.txt")
	require.NoError(t, err)
	assert.Equal(t, want, resolved)

	resolved, err = store.Resolve("~/allowed/link/../secret.txt")
	require.NoError(t, err)
	assert.Equal(t, want, resolved)
}

func TestResolveKeepsMissingComponents(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(Default(), WithHomeDir(dir))
	require.NoError(t, err)

	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	resolved, err := store.Resolve("~/out/./new/../frame.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realDir, "out", "frame.png"), resolved)
}

func TestPolicyCopiesAreIndependent(t *testing.T) {
	p := Default()
	p.AllowedRoots = []string{"/srv"}
	store, err := NewStore(p)
	require.NoError(t, err)

	snapshot := store.Policy()
	snapshot.AllowedRoots[0] = "/"
	snapshot.ContainerDefaults.CapabilitiesDropped[0] = "NONE"

	assert.Equal(t, "/srv", store.Policy().AllowedRoots[0])
	assert.Equal(t, "ALL", store.ContainerDefaults().CapabilitiesDropped[0])
}

func TestByteSizeYAML(t *testing.T) {
	var limits ResourceLimits
	require.NoError(t, yaml.Unmarshal([]byte("memory: 256MiB\ncpu_shares: 128\n"), &limits))
	assert.EqualValues(t, 256*1024*1024, limits.MemoryBytes)
	assert.EqualValues(t, 128, limits.CPUShares)

	require.NoError(t, yaml.Unmarshal([]byte("memory: 1048576\n"), &limits))
	assert.EqualValues(t, 1048576, limits.MemoryBytes)

	err := yaml.Unmarshal([]byte("memory: lots\n"), &limits)
	assert.Error(t, err)
}
