package results

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/micrite/screen"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger", "results.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func testResults(runID string) []screen.Result {
	settings := screen.Settings{RunID: runID, Sample: "s1", Policy: screen.Superfast, Thresholds: screen.DefaultThresholds(), ReportZeroCounts: true}
	return screen.Run(settings, []screen.Evidence{
		{Taxid: 10376, Name: "EBV", Count: 1000, Total: 10000},
		{Taxid: 32604, Name: "HHV6B", Count: 0, Total: 10000},
	})
}

func TestRecordAndRead(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, testResults("run-1")))
	require.NoError(t, store.Record(ctx, testResults("run-2")))

	results, err := store.Results(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testResults("run-1"), results)
}

func TestRecordIsWriteOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, testResults("run-1")))

	duplicate := testResults("run-1")
	duplicate[1].Decision = true
	fresh := screen.Result{RunID: "run-1", Sample: "s2", Taxid: 10376, Policy: screen.Superfast}
	assert.Error(t, store.Record(ctx, []screen.Result{fresh, duplicate[1]}))

	results, err := store.Results(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2, "a failed record leaves no partial rows")
	assert.False(t, results[1].Decision)
}

func TestReopen(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, testResults("run-1")))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	results, err := reopened.Results(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
