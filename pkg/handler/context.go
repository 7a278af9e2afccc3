package handler

// DI for all handlers alike.

import (
	"context"

	"github.com/yumyai/clusterfinder/pkg/cluster"
	"github.com/yumyai/clusterfinder/pkg/db"
)

// RunReader is the read side of the run ledger.
type RunReader interface {
	ListRuns(ctx context.Context, limit int) ([]*db.Run, error)
	GetRun(ctx context.Context, runID string) (*db.Run, error)
	Records(ctx context.Context, runID string, clusterID *int) ([]cluster.LabeledRecord, error)
}

type DBContext struct {
	Runs    RunReader
	Version string
}
