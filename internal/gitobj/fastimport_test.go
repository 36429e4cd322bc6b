package gitobj

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolveMarksRewritesHeadsFromExportedMarksFile covers resolveMarks
// against a synthetic --export-marks file, without shelling out to git.
func TestResolveMarksRewritesHeadsFromExportedMarksFile(t *testing.T) {
	dir := t.TempDir()
	marksPath := filepath.Join(dir, "marks")
	require.NoError(t, os.WriteFile(marksPath, []byte(
		":1 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n"+
			":2 bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb\n"), 0644))

	db := &FastImportDB{
		marksFile: marksPath,
		heads: map[string]string{
			"main": ":1",
			"dev":  ":2",
		},
	}

	require.NoError(t, db.resolveMarks())

	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", db.heads["main"])
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", db.heads["dev"])
}

// TestResolveMarksLeavesUnresolvedHeadsAlone covers a branch whose head
// mark never made it into the marks file (e.g. an empty branch).
func TestResolveMarksLeavesUnresolvedHeadsAlone(t *testing.T) {
	dir := t.TempDir()
	marksPath := filepath.Join(dir, "marks")
	require.NoError(t, os.WriteFile(marksPath, []byte(":1 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n"), 0644))

	db := &FastImportDB{
		marksFile: marksPath,
		heads: map[string]string{
			"main":  ":1",
			"empty": ":9",
		},
	}

	require.NoError(t, db.resolveMarks())

	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", db.heads["main"])
	assert.Equal(t, ":9", db.heads["empty"])
}

// TestResolveMarksToleratesMissingMarksFile covers a run that created no
// marks at all (e.g. the depot path contributed no changelists).
func TestResolveMarksToleratesMissingMarksFile(t *testing.T) {
	db := &FastImportDB{
		marksFile: filepath.Join(t.TempDir(), "does-not-exist"),
		heads:     map[string]string{"main": ":1"},
	}

	require.NoError(t, db.resolveMarks())
	assert.Equal(t, ":1", db.heads["main"])
}
