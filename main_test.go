package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"progress-server-go/db"
)

func writeRoster(t *testing.T, names ...string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Name"))
	for i, n := range names {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetCellValue("Sheet1", cell, n))
	}
	path := filepath.Join(t.TempDir(), "roster.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestCheckAndSeedRoster(t *testing.T) {
	logger = zap.NewNop()
	ctx := context.Background()
	path := writeRoster(t, "Ada Lovelace", "Grace Hopper", "Ada Lovelace")

	store := db.NewMemoryService()
	checkAndSeedRoster(ctx, store, path)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// a populated store is left alone
	_, err = store.Delete(ctx, "grace-hopper")
	require.NoError(t, err)
	checkAndSeedRoster(ctx, store, path)
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCheckAndSeedRosterMissingFile(t *testing.T) {
	logger = zap.NewNop()
	store := db.NewMemoryService()
	checkAndSeedRoster(context.Background(), store, filepath.Join(t.TempDir(), "nope.xlsx"))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		backupOut, backupToS3, restoreIn = "", false, ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBackupCommandEmptyStore(t *testing.T) {
	out, err := runCLI(t, "backup")
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestBackupCommandToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "students.json")
	_, err := runCLI(t, "backup", "--out", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestRestoreCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "students.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`[{"slug":"a","name":"A","progress":{"x":1}},{"slug":"","name":"B"}]`), 0o600))

	out, err := runCLI(t, "restore", "--in", path)
	require.NoError(t, err)
	assert.Equal(t, "upserted=1 modified=0 matched=0\n", out)
}

func TestRestoreCommandEmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "students.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"no slug"}]`), 0o600))

	_, err := runCLI(t, "restore", "--in", path)
	assert.ErrorContains(t, err, "no restorable records")
}
