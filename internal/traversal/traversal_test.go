package traversal_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/copyd/copyd/internal/job"
	"github.com/copyd/copyd/internal/rename"
	"github.com/copyd/copyd/internal/traversal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, w *traversal.Walker) ([]job.Entry, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, errs := w.Run(ctx)
	var gotEntries []job.Entry
	var gotErrs []error
	for entries != nil || errs != nil {
		select {
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			gotEntries = append(gotEntries, e)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			gotErrs = append(gotErrs, err)
		case <-ctx.Done():
			t.Fatal("traversal did not finish before timeout")
		}
	}
	return gotEntries, gotErrs
}

func TestWalkDirEmitsSortedChildrenInOrder(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	for _, name := range []string{"charlie.txt", "alpha.txt", "bravo.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(name), 0o644))
	}

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: true})
	entries, errs := drain(t, w)
	require.Empty(t, errs)

	var names []string
	for _, e := range entries {
		if e.Type == job.EntryFile {
			names = append(names, filepath.Base(e.SrcPath))
		}
	}
	assert.Equal(t, []string{"alpha.txt", "bravo.txt", "charlie.txt"}, names)
}

func TestWalkDirEmitsDirPreAndPostEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "f.txt"), []byte("f"), 0o644))

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: true})
	entries, errs := drain(t, w)
	require.Empty(t, errs)

	require.Len(t, entries, 5) // root dir, sub dir, file, sub dirpost, root dirpost
}

func TestNonRecursiveSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "nested.txt"), []byte("nested"), 0o644))

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: false})
	entries, errs := drain(t, w)
	require.Empty(t, errs)

	var sawNested bool
	for _, e := range entries {
		if filepath.Base(e.SrcPath) == "nested.txt" {
			sawNested = true
		}
	}
	assert.False(t, sawNested, "non-recursive walk must not descend into subdirectories")
}

func TestSymlinksAreNeverFollowed(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	target := filepath.Join(dir, "outside.txt")
	require.NoError(t, os.WriteFile(target, []byte("outside"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(src, "link.txt")))

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: true})
	entries, errs := drain(t, w)
	require.Empty(t, errs)

	require.Len(t, entries, 3) // root dir, symlink entry, root dirpost
	var found bool
	for _, e := range entries {
		if e.Type == job.EntrySymlink {
			found = true
			assert.Equal(t, target, e.LinkTarget)
		}
	}
	assert.True(t, found)
}

func TestHardlinksCoalesceIntoAlias(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	first := filepath.Join(src, "a.txt")
	second := filepath.Join(src, "b.txt")
	require.NoError(t, os.WriteFile(first, []byte("linked"), 0o644))
	require.NoError(t, os.Link(first, second))

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: true, HardLinks: true})
	entries, errs := drain(t, w)
	require.Empty(t, errs)

	var files, aliases int
	for _, e := range entries {
		switch e.Type {
		case job.EntryFile:
			files++
		case job.EntryHardlinkAlias:
			aliases++
		}
	}
	assert.Equal(t, 1, files, "only the first-seen hardlink should emit a regular file entry")
	assert.Equal(t, 1, aliases, "the second hardlink should be coalesced into an alias entry")
}

func TestHardlinksNotCoalescedWhenOptionUnset(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	first := filepath.Join(src, "a.txt")
	second := filepath.Join(src, "b.txt")
	require.NoError(t, os.WriteFile(first, []byte("linked"), 0o644))
	require.NoError(t, os.Link(first, second))

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: true})
	entries, errs := drain(t, w)
	require.Empty(t, errs)

	var files, aliases int
	for _, e := range entries {
		switch e.Type {
		case job.EntryFile:
			files++
		case job.EntryHardlinkAlias:
			aliases++
		}
	}
	assert.Equal(t, 2, files, "without HardLinks set, each hardlinked path is copied independently")
	assert.Equal(t, 0, aliases, "no alias entries should be emitted when coalescing is disabled")
}

func TestRenameRuleRewritesFinalComponent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "report.txt"), []byte("r"), 0o644))

	rule, err := rename.Compile(`\.txt$`, ".bak")
	require.NoError(t, err)

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: true, Rename: rule})
	entries, errs := drain(t, w)
	require.Empty(t, errs)

	var fileDst string
	for _, e := range entries {
		if e.Type == job.EntryFile {
			fileDst = e.DstPath
		}
	}
	assert.Equal(t, filepath.Join(dst, "report.bak"), fileDst)
}

func TestRenameRuleEscapingDestinationRootRejectsEntry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "report.txt"), []byte("r"), 0o644))

	rule, err := rename.Compile(`^.*$`, "../../escaped.txt")
	require.NoError(t, err)

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst, Recursive: true, Rename: rule})
	entries, errs := drain(t, w)

	require.Len(t, errs, 1)
	for _, e := range entries {
		assert.NotEqual(t, job.EntryFile, e.Type, "the escaping rename must not be emitted as a file entry")
	}
}

func TestSingleFileSourceEmitsOneEntry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "solo.txt")
	dst := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("solo"), 0o644))

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst})
	entries, errs := drain(t, w)
	require.Empty(t, errs)
	require.Len(t, entries, 1)
	assert.Equal(t, job.EntryFile, entries[0].Type)
	assert.Equal(t, "root", entries[0].CursorToken)
}

func TestMissingSourceProducesError(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "missing")
	dst := filepath.Join(dir, "dst")

	w := traversal.NewWalker(traversal.Options{SrcRoot: src, DstRoot: dst})
	entries, errs := drain(t, w)
	assert.Empty(t, entries)
	require.Len(t, errs, 1)
}
