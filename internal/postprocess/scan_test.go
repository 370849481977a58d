package postprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfarr/shelfarr/internal/testutil"
	"github.com/shelfarr/shelfarr/internal/workspace"
)

var bookFormats = map[string]bool{
	"epub": true, "mobi": true, "azw3": true, "cbz": true,
}

var audioFormats = map[string]bool{"mp3": true, "m4b": true}

func testWorkspace(t *testing.T) (*workspace.Manager, *workspace.Workspace) {
	t.Helper()
	mgr, err := workspace.NewManager(filepath.Join(t.TempDir(), "tmp"), testutil.DiscardLogger())
	require.NoError(t, err)
	ws, err := mgr.Create("scan-test")
	require.NoError(t, err)
	return mgr, ws
}

func TestScan_SingleSupportedFile(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "book.epub")
	testutil.WriteFile(t, input, "content")

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	assert.Equal(t, []string{input}, prepared.Files)
	assert.Empty(t, prepared.Rejected)
}

func TestScan_SingleUnsupportedFile(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "notes.txt")
	testutil.WriteFile(t, input, "content")

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	assert.Empty(t, prepared.Files)
	assert.Equal(t, []string{input}, prepared.Rejected)
}

func TestScan_ArchiveExtracted(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "release.zip")
	testutil.MakeZip(t, input, map[string]string{
		"Seed.epub":  "book content",
		"cover.jpg":  "noise",
		"readme.txt": "noise",
	})

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	require.Len(t, prepared.Files, 1)
	assert.Equal(t, "Seed.epub", filepath.Base(prepared.Files[0]))
	assert.True(t, ws.Contains(prepared.Files[0]))
	require.Len(t, prepared.WorkspaceCleanup, 1)
	assert.True(t, ws.Contains(prepared.WorkspaceCleanup[0]))
}

func TestScan_ArchivePreservedOpaquely(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "release.zip")
	testutil.MakeZip(t, input, map[string]string{"Seed.epub": "book content"})

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:          bookFormats,
		AllowExtract:     false,
		PreserveArchives: true,
		Workspace:        ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	assert.Equal(t, []string{input}, prepared.Files)
	assert.Empty(t, prepared.WorkspaceCleanup)
}

func TestScan_DirectorySupportedFilesWinOverArchives(t *testing.T) {
	_, ws := testWorkspace(t)
	dir := t.TempDir()
	book := filepath.Join(dir, "book.epub")
	testutil.WriteFile(t, book, "content")
	testutil.MakeZip(t, filepath.Join(dir, "extras.zip"), map[string]string{"other.epub": "x"})

	prepared := Scan(context.Background(), dir, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	assert.Equal(t, []string{book}, prepared.Files)
	// The archive is release noise, not payload: nothing was extracted.
	assert.Empty(t, prepared.WorkspaceCleanup)
	assert.Contains(t, prepared.Rejected, filepath.Join(dir, "extras.zip"))
}

func TestScan_DirectoryExtractsAllArchivesWhenNoSupportedFiles(t *testing.T) {
	_, ws := testWorkspace(t)
	dir := t.TempDir()
	testutil.MakeZip(t, filepath.Join(dir, "one.zip"), map[string]string{"One.epub": "1"})
	testutil.MakeZip(t, filepath.Join(dir, "two.zip"), map[string]string{"Two.epub": "2"})

	prepared := Scan(context.Background(), dir, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	require.Len(t, prepared.Files, 2)
	names := []string{filepath.Base(prepared.Files[0]), filepath.Base(prepared.Files[1])}
	assert.ElementsMatch(t, []string{"One.epub", "Two.epub"}, names)
	assert.Len(t, prepared.WorkspaceCleanup, 2)
}

func TestScan_MultiFileArchiveNaturalOrder(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "audio.zip")
	testutil.MakeZip(t, input, map[string]string{
		"Part 10.mp3": "ten",
		"Part 2.mp3":  "two",
		"Part 1.mp3":  "one",
	})

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:      audioFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	require.Len(t, prepared.Files, 3)
	assert.Equal(t, "Part 1.mp3", filepath.Base(prepared.Files[0]))
	assert.Equal(t, "Part 2.mp3", filepath.Base(prepared.Files[1]))
	assert.Equal(t, "Part 10.mp3", filepath.Base(prepared.Files[2]))
}

func TestScan_StageExternalCopiesArchiveBeforeExtraction(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "release.zip")
	testutil.MakeZip(t, input, map[string]string{"Seed.epub": "book content"})

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:       bookFormats,
		AllowExtract:  true,
		StageExternal: true,
		Workspace:     ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	require.Len(t, prepared.Files, 1)
	assert.True(t, ws.Contains(prepared.Files[0]))

	// The external archive was only read, never consumed.
	_, err := os.Stat(input)
	assert.NoError(t, err)

	// Both the staged copy and the extraction dir are marked for cleanup.
	assert.GreaterOrEqual(t, len(prepared.WorkspaceCleanup), 2)
}

func TestScan_MissingInput(t *testing.T) {
	_, ws := testWorkspace(t)

	prepared := Scan(context.Background(), filepath.Join(t.TempDir(), "missing.epub"), ScanOptions{
		Formats:   bookFormats,
		Workspace: ws,
	}, testutil.DiscardLogger())

	assert.Error(t, prepared.Err)
	assert.Empty(t, prepared.Files)
}

func TestScan_CorruptArchive(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "broken.zip")
	testutil.WriteFile(t, input, "this is not a zip")

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	assert.Error(t, prepared.Err)
	assert.Empty(t, prepared.Files)
}

func TestScan_UnreadableSubtreeSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are ignored when running as root")
	}

	_, ws := testWorkspace(t)
	dir := t.TempDir()
	book := filepath.Join(dir, "book.epub")
	testutil.WriteFile(t, book, "content")

	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	testutil.WriteFile(t, filepath.Join(locked, "hidden.epub"), "x")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	prepared := Scan(context.Background(), dir, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	require.NoError(t, prepared.Err)
	assert.Equal(t, []string{book}, prepared.Files)
}

func TestScan_ZipSlipEntryStaysInWorkspace(t *testing.T) {
	_, ws := testWorkspace(t)
	input := filepath.Join(t.TempDir(), "evil.zip")
	testutil.MakeZip(t, input, map[string]string{"../escape.epub": "x"})

	prepared := Scan(context.Background(), input, ScanOptions{
		Formats:      bookFormats,
		AllowExtract: true,
		Workspace:    ws,
	}, testutil.DiscardLogger())

	// The traversal entry lands inside the extraction dir or fails; either
	// way nothing is written outside the workspace.
	for _, f := range prepared.Files {
		assert.True(t, ws.Contains(f))
	}
}
