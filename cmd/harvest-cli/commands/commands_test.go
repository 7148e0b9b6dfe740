package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/harvest/models"
	"github.com/use-agent/harvest/store"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func seed(t *testing.T, dir string) {
	t.Helper()
	st, err := store.OpenBadger(dir, "harvest:state")
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), models.State{
		Records: []models.Record{
			{"url": "https://x.test/d/1", "title": "Alpha"},
			{"url": "https://x.test/d/2", "error": "DISPATCH_TIMEOUT: detail scrape timeout"},
		},
		Progress:  models.Cursor{Page: 1, Row: 2},
		Running:   true,
		SessionID: "s-1",
	}))
	require.NoError(t, st.Close())
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	out := run(t, "status", "--store", "badger", "--path", dir)
	assert.Contains(t, out, "session:  s-1")
	assert.Contains(t, out, "cursor:   page 1, row 2")
	assert.Contains(t, out, "records:  2 (1 failed)")
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)
	target := filepath.Join(t.TempDir(), "out.json")

	run(t, "export", "--store", "badger", "--path", dir, "-o", target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "Alpha", records[0]["title"])
}

func TestReset_KeepRecords(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	run(t, "reset", "--store", "badger", "--path", dir, "--keep-records")

	st, err := store.OpenBadger(dir, "harvest:state")
	require.NoError(t, err)
	defer st.Close()
	state, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.Len(t, state.Records, 2)
}
