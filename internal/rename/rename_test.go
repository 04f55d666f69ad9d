package rename_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/copyd/copyd/internal/rename"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileEmptyPatternIsNoop(t *testing.T) {
	r, err := rename.Compile("", "")
	require.NoError(t, err)
	assert.False(t, r.Enabled())
	assert.Equal(t, "/a/b.txt", r.Apply("/a/b.txt"))
}

func TestCompileInvalidPattern(t *testing.T) {
	_, err := rename.Compile("(unclosed", "x")
	assert.Error(t, err)
}

func TestApplyRewritesFinalComponentOnly(t *testing.T) {
	r, err := rename.Compile(`^IMG_(\d+)\.jpg$`, `photo_$1.jpg`)
	require.NoError(t, err)

	got := r.Apply("/mnt/backup/IMG_0001.jpg")
	assert.Equal(t, "/mnt/backup/photo_0001.jpg", got)

	unchanged := r.Apply("/mnt/backup/notes.txt")
	assert.Equal(t, "/mnt/backup/notes.txt", unchanged)
}

func TestEscapesDetectsParentTraversal(t *testing.T) {
	assert.True(t, rename.Escapes("/dst/root", "/dst/root/../../etc/passwd"))
	assert.False(t, rename.Escapes("/dst/root", "/dst/root/sub/file.txt"))
	assert.False(t, rename.Escapes("/dst/root", "/dst/root"))
}

func TestSerialFindsFirstFreeSuffix(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.1.csv"), []byte("x"), 0o644))

	got, err := rename.Serial(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.2.csv"), got)
}

func TestSerialNoCollision(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "fresh.bin")

	got, err := rename.Serial(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fresh.1.bin"), got)
}
