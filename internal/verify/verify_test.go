// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/pkg/fsutil"
)

// fakeArchive answers listings from a set of uploaded remote paths.
type fakeArchive struct {
	files map[string][]string
	fail  map[string]bool
	calls []string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{files: map[string][]string{}, fail: map[string]bool{}}
}

func (f *fakeArchive) add(location string, names ...string) {
	f.files[location] = append(f.files[location], names...)
}

func (f *fakeArchive) List(_ context.Context, location string) (string, error) {
	f.calls = append(f.calls, location)
	if f.fail[location] {
		return "error: not found", errors.New("exit status 1")
	}
	var b strings.Builder
	b.WriteString("Name  Size  Modified\r\n")
	for _, name := range f.files[location] {
		fmt.Fprintf(&b, "dicom  1.2 MB  2024-01-02 03:04:05  %s\r\n", name)
	}
	return b.String(), nil
}

func stage(t *testing.T, root string, rel ...string) []string {
	t.Helper()
	var paths []string
	for _, r := range rel {
		p := filepath.Join(root, filepath.FromSlash(r))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(r), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestParseListing(t *testing.T) {
	t.Parallel()

	out := strings.Join([]string{
		"Listing lab/p/P1/2024-01-02_03_04_05/3_T1",
		"  dicom   12 KB   2024-01-02 03:04:05   3_T1.dcm  \r",
		"2024-01-02 3:04 file with spaces.dcm",
		"2024-01-02\t03:04:05\tfile_tab.dcm",
		"2024-01-02 03:04:05",
		"garbage line",
		"",
		"20240102 030405 not_a_match.dcm",
	}, "\n")

	got := ParseListing(out)
	names := make([]string, 0, len(got))
	for n := range got {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"3_T1.dcm", "file with spaces.dcm", "file_tab.dcm"}, names)
	assert.Empty(t, ParseListing(""))
}

func TestCacheListsEachDirectoryOnce(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	files := stage(t, root,
		"P1/S/3_T1/a.dcm",
		"P1/S/3_T1/b.dcm",
		"P1/S/3_T1/c.dcm",
		"P1/S/3_T1/d.dcm",
		"P1/S/3_T1/e.dcm",
	)

	archive := newFakeArchive()
	archive.add("lab/p/P1/S/3_T1", "a.dcm", "b.dcm", "c.dcm", "d.dcm", "e.dcm")

	report, err := NewCoordinator(archive).VerifyAndCleanup(context.Background(), root, "lab/p", Options{})
	require.NoError(t, err)

	assert.Len(t, archive.calls, 1)
	assert.Equal(t, 1, report.ListingCalls)
	assert.Equal(t, len(files), report.Verified)
	assert.True(t, report.AllVerified())
}

func TestCacheRemoteLocation(t *testing.T) {
	t.Parallel()

	c := NewCache(newFakeArchive(), "/data/export/studyA", "lab/p")
	assert.Equal(t, "lab/p", c.RemoteLocation("/data/export/studyA"))
	assert.Equal(t, "lab/p/P1/S/3_T1", c.RemoteLocation("/data/export/studyA/P1/S/3_T1/"))
}

func TestCacheFailedListingIsEmptyAndNotRetried(t *testing.T) {
	t.Parallel()

	archive := newFakeArchive()
	archive.fail["lab/p/X"] = true
	c := NewCache(archive, "/r", "lab/p")

	assert.False(t, c.Contains(context.Background(), "/r/X", "a.dcm"))
	assert.False(t, c.Contains(context.Background(), "/r/X", "b.dcm"))
	assert.Equal(t, 1, c.Calls())
}

func TestVerifyPartialKeepsUnverified(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var rel []string
	for i := 0; i < 10; i++ {
		rel = append(rel, fmt.Sprintf("P1/S/acq%d/f%d.dcm", i%2, i))
	}
	files := stage(t, root, rel...)

	archive := newFakeArchive()
	for i, f := range files {
		if i == 7 {
			continue
		}
		archive.add("lab/p/P1/S/"+filepath.Base(filepath.Dir(f)), filepath.Base(f))
	}

	report, err := NewCoordinator(archive).VerifyAndCleanup(context.Background(), root, "lab/p", Options{})
	require.NoError(t, err)

	assert.False(t, report.AllVerified())
	assert.Equal(t, 10, report.Files)
	assert.Equal(t, 9, report.Verified)
	assert.Equal(t, []string{files[7]}, report.Unverified)
	assert.Equal(t, 2, report.ListingCalls)

	assert.FileExists(t, files[7])
	for i, f := range files {
		if i != 7 {
			assert.NoFileExists(t, f)
		}
	}
	// the directory holding only verified files is pruned
	assert.NoDirExists(t, filepath.Join(root, "P1", "S", "acq0"))
	assert.DirExists(t, root)
}

func TestVerifyFullRemovesTree(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "studyA")
	files := stage(t, root, "P1/S/a/1.dcm", "P1/S/b/2.dcm", "P2/T/c/3.dcm")

	archive := newFakeArchive()
	archive.add("lab/p/P1/S/a", "1.dcm")
	archive.add("lab/p/P1/S/b", "2.dcm")
	archive.add("lab/p/P2/T/c", "3.dcm")

	report, err := NewCoordinator(archive).VerifyAndCleanup(context.Background(), root, "lab/p", Options{})
	require.NoError(t, err)

	assert.True(t, report.AllVerified())
	assert.Equal(t, len(files), report.Verified)
	assert.NoDirExists(t, root)
	// a, b, c, S, T, P1, P2 and the root
	assert.Equal(t, 8, report.DirsRemoved)
}

func TestVerifyRelativeRoot(t *testing.T) {
	t.Chdir(t.TempDir())

	stage(t, "stage", "P1/S/a.dcm")
	archive := newFakeArchive()
	archive.add("grp/proj/P1/S", "a.dcm")

	report, err := NewCoordinator(archive).VerifyAndCleanup(context.Background(), "stage", "grp/proj", Options{})
	require.NoError(t, err)

	assert.True(t, report.AllVerified())
	assert.Equal(t, 1, report.Verified)
	assert.Empty(t, report.DeleteFailed)
	assert.True(t, filepath.IsAbs(report.Root))
	assert.Equal(t, []string{"grp/proj/P1/S"}, archive.calls)
	assert.NoDirExists(t, "stage")
}

func TestVerifyDryRunKeepsEverything(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	files := stage(t, root, "P1/S/a/1.dcm")
	archive := newFakeArchive()
	archive.add("lab/p/P1/S/a", "1.dcm")

	listings := 0
	report, err := NewCoordinator(archive).VerifyAndCleanup(context.Background(), root, "lab/p", Options{
		DryRun:    true,
		OnListing: func() { listings++ },
	})
	require.NoError(t, err)

	assert.True(t, report.AllVerified())
	assert.Equal(t, 1, listings)
	assert.FileExists(t, files[0])
}

func TestVerifySkipsTempAndSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	files := stage(t, root, "P1/S/a/1.dcm", "P1/S/a/"+fsutil.TempPrefix+"abc")
	require.NoError(t, os.Symlink(files[0], filepath.Join(root, "P1", "S", "a", "link.dcm")))

	archive := newFakeArchive()
	archive.add("lab/p/P1/S/a", "1.dcm")

	report, err := NewCoordinator(archive).VerifyAndCleanup(context.Background(), root, "lab/p", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Files)
	assert.True(t, report.AllVerified())
	assert.FileExists(t, files[1])
}

func TestVerifyMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := NewCoordinator(newFakeArchive()).VerifyAndCleanup(context.Background(), filepath.Join(t.TempDir(), "nope"), "lab/p", Options{})
	require.ErrorIs(t, err, ErrStagingRootMissing)
}

func TestVerifyEmptyRootIsFullyVerified(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "studyA")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "P1"), 0o755))

	archive := newFakeArchive()
	report, err := NewCoordinator(archive).VerifyAndCleanup(context.Background(), root, "lab/p", Options{})
	require.NoError(t, err)
	assert.True(t, report.AllVerified())
	assert.Empty(t, archive.calls)
	assert.NoDirExists(t, root)
}

func TestSafeDeleteFileRefusesEscapingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "outside.dcm")
	require.Error(t, safeDeleteFile(root, outside))
	require.Error(t, safeDeleteFile(root, "relative.dcm"))
}
