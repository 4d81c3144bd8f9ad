package securefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixture paths mirror the media tree layout: x-rays and generated
// reports under date-partitioned directories.
const (
	xrayRelPath   = "xrays/2026/08/PAT-1001_chest.png"
	reportRelPath = "reports/2026/08/PAT-1001_triage.pdf"
)

// newMediaFS creates a SecureFS rooted at a temp media directory.
func newMediaFS(t *testing.T) (sfs *SecureFS, mediaDir string) {
	t.Helper()

	mediaDir = t.TempDir()
	sfs, err := New(mediaDir)
	require.NoError(t, err, "failed to create sandbox")
	t.Cleanup(func() { _ = sfs.Close() })

	return sfs, mediaDir
}

// writeXRay stores fixture bytes at a nested media path, creating
// parent directories the way the upload handler does.
func writeXRay(t *testing.T, sfs *SecureFS, mediaDir, relPath string, data []byte) string {
	t.Helper()

	absPath := filepath.Join(mediaDir, relPath)
	require.NoError(t, sfs.MkdirAll(filepath.Dir(absPath), 0o750))
	require.NoError(t, sfs.WriteFile(absPath, data, 0o600))
	return absPath
}

func TestWriteAndReadXRay(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	imageData := []byte("\x89PNG fake scan bytes")
	xrayPath := writeXRay(t, sfs, mediaDir, xrayRelPath, imageData)

	data, err := sfs.ReadFile(xrayPath)
	require.NoError(t, err)
	assert.Equal(t, imageData, data)

	info, err := sfs.Stat(xrayPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(imageData)), info.Size())

	exists, err := sfs.Exists(xrayPath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReadFileMissingXRay(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	_, err := sfs.ReadFile(filepath.Join(mediaDir, "xrays/2026/08/missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadFileSizeLimit(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	// An upload cap too small for the stored scan must reject the read.
	sfs.SetMaxReadFileSize(64)

	thumb := writeXRay(t, sfs, mediaDir, "xrays/2026/08/thumb.png", []byte("tiny thumbnail"))
	data, err := sfs.ReadFile(thumb)
	require.NoError(t, err, "file within limit should read")
	assert.Len(t, data, 14)

	oversized := writeXRay(t, sfs, mediaDir, "xrays/2026/08/full.png", make([]byte, 512))
	_, err = sfs.ReadFile(oversized)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestReadFileSizeLimitZeroIsUnlimited(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	assert.Equal(t, int64(0), sfs.GetMaxReadFileSize())

	scan := writeXRay(t, sfs, mediaDir, xrayRelPath, make([]byte, 4096))
	data, err := sfs.ReadFile(scan)
	require.NoError(t, err)
	assert.Len(t, data, 4096)

	sfs.SetMaxReadFileSize(1024)
	assert.Equal(t, int64(1024), sfs.GetMaxReadFileSize())
	_, err = sfs.ReadFile(scan)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestOpenFileAndRemove(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	reportPath := writeXRay(t, sfs, mediaDir, reportRelPath, []byte("%PDF-1.7 triage report"))

	file, err := sfs.OpenFile(reportPath, os.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	require.NoError(t, sfs.Remove(reportPath))

	exists, err := sfs.Exists(reportPath)
	require.NoError(t, err)
	assert.False(t, exists, "report should be gone after removal")
}

func TestRemoveAllMonthPartition(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	// Retention cleanup removes a whole month partition at once.
	writeXRay(t, sfs, mediaDir, "xrays/2025/01/PAT-0001_chest.png", []byte("a"))
	writeXRay(t, sfs, mediaDir, "xrays/2025/01/PAT-0002_chest.png", []byte("b"))
	keep := writeXRay(t, sfs, mediaDir, "xrays/2025/02/PAT-0003_chest.png", []byte("c"))

	require.NoError(t, sfs.RemoveAll(filepath.Join(mediaDir, "xrays/2025/01")))

	exists, err := sfs.Exists(filepath.Join(mediaDir, "xrays/2025/01"))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.True(t, sfs.ExistsNoErr(keep), "adjacent partition must survive")
}

func TestPathTraversalRejected(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	escape := filepath.Join(mediaDir, "..", "outside.png")

	_, err := sfs.RelativePath(escape)
	assert.ErrorIs(t, err, ErrPathTraversal)

	err = sfs.WriteFile(escape, []byte("should not land"), 0o600)
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = sfs.ReadFile(escape)
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestIsPathWithinBase(t *testing.T) {
	t.Parallel()
	_, mediaDir := newMediaFS(t)

	tests := []struct {
		name   string
		target string
		within bool
	}{
		{"nested media path", filepath.Join(mediaDir, xrayRelPath), true},
		{"base itself", mediaDir, true},
		{"parent escape", filepath.Join(mediaDir, "..", "outside.png"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isWithin, err := IsPathWithinBase(mediaDir, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.within, isWithin)
		})
	}
}

func TestIsPathWithinBaseSymlinkEscape(t *testing.T) {
	t.Parallel()
	_, mediaDir := newMediaFS(t)

	if os.Getuid() == 0 {
		t.Skip("symlink escape detection is unreliable as root")
	}

	symlinkPath := linkToOutsideDir(t, mediaDir)
	if symlinkPath == "" {
		return
	}

	escapePath := filepath.Join(symlinkPath, "secret.txt")
	isWithin, _ := IsPathWithinBase(mediaDir, escapePath)
	assert.False(t, isWithin, "should detect symlink escape")
}

// linkToOutsideDir creates a symlink inside the media tree that points
// at a directory outside it, returning the symlink path.
func linkToOutsideDir(t *testing.T, mediaDir string) string {
	t.Helper()

	insideDir := filepath.Join(mediaDir, "xrays")
	require.NoError(t, os.Mkdir(insideDir, 0o750))

	outsideDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outsideDir, "secret.txt"), []byte("secret"), 0o600))

	symlinkPath := filepath.Join(insideDir, "escape")
	if err := os.Symlink(outsideDir, symlinkPath); err != nil {
		t.Skipf("cannot create symlinks here: %v", err)
		return ""
	}
	return symlinkPath
}

func TestIsPathValidWithinBase(t *testing.T) {
	t.Parallel()
	_, mediaDir := newMediaFS(t)

	require.NoError(t, IsPathValidWithinBase(mediaDir, filepath.Join(mediaDir, xrayRelPath)))

	err := IsPathValidWithinBase(mediaDir, filepath.Join(mediaDir, "..", "outside.png"))
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestReadlinkWithinSandbox(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	writeXRay(t, sfs, mediaDir, "xrays/latest_scan.png", []byte("scan"))
	symlinkPath := filepath.Join(mediaDir, "xrays", "current.png")
	require.NoError(t, os.Symlink("latest_scan.png", symlinkPath))

	target, err := sfs.Readlink(symlinkPath)
	require.NoError(t, err)
	assert.Equal(t, "latest_scan.png", target)
}

func TestReadlinkIsInformationalOnly(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	// Readlink reports the target string even when it escapes; the
	// boundary is enforced when the link is followed.
	escapeLink := filepath.Join(mediaDir, "escape.png")
	require.NoError(t, os.Symlink("../../etc/passwd", escapeLink))

	target, err := sfs.Readlink(escapeLink)
	require.NoError(t, err)
	assert.Equal(t, "../../etc/passwd", target)

	_, err = sfs.Open(escapeLink)
	assert.Error(t, err, "following an escaping symlink must fail")
}

func TestReadDirListsPartition(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	writeXRay(t, sfs, mediaDir, "xrays/2026/08/PAT-1001_chest.png", []byte("a"))
	writeXRay(t, sfs, mediaDir, "xrays/2026/08/PAT-1002_chest.png", []byte("b"))
	require.NoError(t, sfs.MkdirAll(filepath.Join(mediaDir, "xrays/2026/08/thumbs"), 0o750))

	entries, err := sfs.ReadDir(filepath.Join(mediaDir, "xrays/2026/08"))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		names[entry.Name()] = true
	}
	assert.True(t, names["PAT-1001_chest.png"])
	assert.True(t, names["PAT-1002_chest.png"])
	assert.True(t, names["thumbs"])
}

func TestParentPath(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	partition := filepath.Join(mediaDir, "xrays", "2026", "08")
	require.NoError(t, sfs.MkdirAll(partition, 0o750))

	parent, err := sfs.ParentPath(partition)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mediaDir, "xrays", "2026"), parent)

	rootParent, err := sfs.ParentPath(mediaDir)
	require.NoError(t, err)
	assert.Empty(t, rootParent, "base directory has no parent inside the sandbox")
}

func TestLstatRegularFile(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	xrayPath := writeXRay(t, sfs, mediaDir, xrayRelPath, []byte("scan"))

	info, err := sfs.Lstat(xrayPath)
	require.NoError(t, err)
	assert.Equal(t, "PAT-1001_chest.png", info.Name())
	assert.Equal(t, os.FileMode(0), info.Mode()&os.ModeSymlink)
}

func TestStatRel(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	writeXRay(t, sfs, mediaDir, xrayRelPath, []byte("scan"))

	info, err := sfs.StatRel(xrayRelPath)
	require.NoError(t, err)
	assert.Equal(t, "PAT-1001_chest.png", info.Name())

	_, err = sfs.StatRel("../outside.png")
	assert.Error(t, err, "relative traversal must be rejected")
}

func TestCacheUtilities(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	xrayPath := writeXRay(t, sfs, mediaDir, xrayRelPath, []byte("scan"))
	_, _ = sfs.Exists(xrayPath)

	stats := sfs.GetCacheStats()
	assert.GreaterOrEqual(t, stats.AbsPathTotal, 0)

	sfs.ClearExpiredCache()

	assert.Equal(t, mediaDir, sfs.BaseDir())
}

func TestExistsNoErr(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	xrayPath := writeXRay(t, sfs, mediaDir, xrayRelPath, []byte("scan"))

	assert.True(t, sfs.ExistsNoErr(xrayPath))
	assert.False(t, sfs.ExistsNoErr(filepath.Join(mediaDir, "xrays/2026/08/missing.png")))
	assert.False(t, sfs.ExistsNoErr(filepath.Join(mediaDir, "..", "outside.png")))
}

func TestRenameWithinSandbox(t *testing.T) {
	t.Parallel()
	sfs, mediaDir := newMediaFS(t)

	src := writeXRay(t, sfs, mediaDir, "xrays/incoming/PAT-1001_chest.png", []byte("scan"))
	require.NoError(t, sfs.MkdirAll(filepath.Join(mediaDir, "xrays/2026/08"), 0o750))
	dst := filepath.Join(mediaDir, xrayRelPath)

	require.NoError(t, sfs.Rename(src, dst))

	assert.False(t, sfs.ExistsNoErr(src))
	assert.True(t, sfs.ExistsNoErr(dst))

	err := sfs.Rename(dst, filepath.Join(mediaDir, "..", "escaped.png"))
	assert.ErrorIs(t, err, ErrPathTraversal)
}
