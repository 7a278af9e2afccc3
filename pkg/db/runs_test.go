package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yumyai/clusterfinder/pkg/cluster"
	"github.com/yumyai/clusterfinder/pkg/table"
)

func openStore(t *testing.T) *RunStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "db", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Deterministic, strictly increasing timestamps.
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return store
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	params := map[string]string{"threshold": "0.005", "genome_length": "29903"}
	require.NoError(t, store.StartRun(ctx, "run-1", "out/sample", params))
	require.NoError(t, store.RecordStage(ctx, "run-1", "align", "started", ""))
	require.NoError(t, store.RecordStage(ctx, "run-1", "align", "failed", "missing out/sample_nextalign/nextalign.aligned.fasta"))
	require.NoError(t, store.FinishRun(ctx, "run-1", "align", "missing output", ""))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "align", run.FailedStage)
	assert.Equal(t, params, run.Params)
	require.NotNil(t, run.FinishedAt)
	require.Len(t, run.Events, 2)
	assert.Equal(t, "started", run.Events[0].Status)
	assert.Equal(t, "failed", run.Events[1].Status)
	assert.True(t, run.Events[0].At.Before(run.Events[1].At))

	require.NoError(t, store.StartRun(ctx, "run-2", "out/sample", params))
	require.NoError(t, store.FinishRun(ctx, "run-2", "", "", "out/sample_final_table.csv"))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, StatusSucceeded, runs[0].Status)
	assert.Equal(t, "out/sample_final_table.csv", runs[0].FinalTable)
	assert.Empty(t, runs[0].Events)
}

func TestGetRunNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetRun(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	err = store.FinishRun(context.Background(), "nope", "", "", "")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestSaveAndFilterRecords(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.StartRun(ctx, "run-1", "out/sample", nil))

	rows := []cluster.LabeledRecord{
		{MergedRecord: table.MergedRecord{SeqName: "S1", Location: "Bangkok", Cluster: 1}, Group: 0, Label: "1A"},
		{MergedRecord: table.MergedRecord{SeqName: "S2", Location: "Bangkok", Deletions: "100-102", Cluster: 1}, Group: 1, Label: "1A"},
		{MergedRecord: table.MergedRecord{SeqName: "S3", Location: "Bangkok", Cluster: 2}, Group: 2, Label: "2A"},
	}
	require.NoError(t, store.SaveRecords(ctx, "run-1", rows))

	all, err := store.Records(ctx, "run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, rows, all)

	one := 1
	c1, err := store.Records(ctx, "run-1", &one)
	require.NoError(t, err)
	assert.Equal(t, rows[:2], c1)

	none, err := store.Records(ctx, "run-9", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListRunsOrdersSubSecondStarts(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	starts := []time.Time{base.Add(100 * time.Millisecond), base.Add(120 * time.Millisecond)}
	store.now = func() time.Time {
		next := starts[0]
		starts = starts[1:]
		return next
	}
	require.NoError(t, store.StartRun(ctx, "run-b", "out/sample", nil))
	require.NoError(t, store.StartRun(ctx, "run-a", "out/sample", nil))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-a", runs[0].ID)
	assert.True(t, runs[0].StartedAt.Equal(base.Add(120*time.Millisecond)))
}
