package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "1111111111111111111111111111111111111111"
	hashB = "2222222222222222222222222222222222222222"
)

func withTempBinDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
	require.NoError(t, EnsureBinDir())
}

func TestPathNaming(t *testing.T) {
	assert.Equal(t, filepath.Join("bin", hashA+".bin"), Path(hashA, hashA))
	assert.Equal(t, filepath.Join("bin", hashA+"_"+hashB+".bin"), Path(hashA, hashB))
}

func TestScanDiscoversArtifacts(t *testing.T) {
	withTempBinDir(t)
	require.NoError(t, os.WriteFile(Path(hashA, hashB), []byte("bin"), 0o755))
	require.NoError(t, os.WriteFile(Path(hashA, hashA), []byte("bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("bin", "not-a-hash.bin"), []byte("bin"), 0o755))

	r := New(zerolog.Nop())
	r.Scan()

	views := r.Views()
	assert.Len(t, views, 2)
}

func TestFindByCommitMatchesEitherHash(t *testing.T) {
	withTempBinDir(t)
	require.NoError(t, os.WriteFile(Path(hashA, hashB), []byte("bin"), 0o755))

	r := New(zerolog.Nop())
	r.Scan()

	byTrigger, ok := r.FindByCommit(hashA)
	require.True(t, ok)
	assert.Equal(t, hashB, byTrigger.BuildHash)

	byBuild, ok := r.FindByCommit(hashB)
	require.True(t, ok)
	assert.Equal(t, hashA, byBuild.TriggerHash)

	_, ok = r.FindByCommit("0000000000000000000000000000000000000000")
	assert.False(t, ok)
}

func TestSweepKeepsValidAndRecentArtifacts(t *testing.T) {
	withTempBinDir(t)
	path := Path(hashA, hashB)
	require.NoError(t, os.WriteFile(path, []byte("bin"), 0o755))

	r := New(zerolog.Nop())
	r.Scan()

	r.Sweep(map[string]bool{})
	_, err := os.Stat(path)
	assert.NoError(t, err, "young unreferenced artifact should survive sweep")

	old := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	r.Scan()
	r.Sweep(map[string]bool{})

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "old unreferenced artifact should be removed")
}

func TestSweepKeepsOldButReferencedArtifact(t *testing.T) {
	withTempBinDir(t)
	path := Path(hashA, hashB)
	require.NoError(t, os.WriteFile(path, []byte("bin"), 0o755))

	old := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	r := New(zerolog.Nop())
	r.Scan()
	r.Sweep(map[string]bool{hashB: true})

	_, err := os.Stat(path)
	assert.NoError(t, err, "referenced artifact should survive sweep regardless of age")
}
