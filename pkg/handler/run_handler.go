package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/cluster"
	"github.com/yumyai/clusterfinder/pkg/db"
	"github.com/yumyai/clusterfinder/pkg/render"
	"go.uber.org/zap"
)

type RunListResponse struct {
	Runs []*db.Run `json:"runs"`
}

type RecordsResponse struct {
	RunID   string          `json:"run_id"`
	Cluster *int            `json:"cluster,omitempty"`
	Records []RecordPayload `json:"records"`
}

// RecordPayload is one row of the final table.
type RecordPayload struct {
	SeqName        string `json:"seqName"`
	CollectionDate string `json:"collection_date"`
	Location       string `json:"location"`
	Deletions      string `json:"deletions"`
	Insertions     string `json:"insertions"`
	Cluster        int    `json:"cluster"`
	ClusterGroup   int    `json:"cluster_group"`
	FinalCluster   string `json:"final_cluster"`
}

func toPayload(rows []cluster.LabeledRecord) []RecordPayload {
	out := make([]RecordPayload, 0, len(rows))
	for _, r := range rows {
		out = append(out, RecordPayload{
			SeqName:        r.SeqName,
			CollectionDate: r.CollectionDate,
			Location:       r.Location,
			Deletions:      r.Deletions,
			Insertions:     r.Insertions,
			Cluster:        r.Cluster,
			ClusterGroup:   r.Group,
			FinalCluster:   r.Label,
		})
	}
	return out
}

// GET /api/v1/runs?limit=N
func (dbctx *DBContext) ListRunsAPI(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit")
	if !ok {
		return
	}
	runs, err := dbctx.Runs.ListRuns(r.Context(), derefOr(limit, 0))
	if err != nil {
		logger.Error("Could not list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []*db.Run{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs})
}

// GET /api/v1/runs/{run_id}
func (dbctx *DBContext) GetRunAPI(w http.ResponseWriter, r *http.Request) {
	run, ok := dbctx.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /api/v1/runs/{run_id}/records?cluster=N
func (dbctx *DBContext) RecordsAPI(w http.ResponseWriter, r *http.Request) {
	run, ok := dbctx.lookupRun(w, r)
	if !ok {
		return
	}
	clusterID, ok := intQuery(w, r, "cluster")
	if !ok {
		return
	}

	rows, err := dbctx.Runs.Records(r.Context(), run.ID, clusterID)
	if err != nil {
		logger.Error("Could not load records", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load records")
		return
	}
	writeJSON(w, http.StatusOK, RecordsResponse{RunID: run.ID, Cluster: clusterID, Records: toPayload(rows)})
}

// Main page, list of recent runs.
func (dbctx *DBContext) RunListPage(w http.ResponseWriter, r *http.Request) {
	runs, err := dbctx.Runs.ListRuns(r.Context(), 0)
	if err != nil {
		logger.Error("Could not list runs", zap.Error(err))
		http.Error(w, "Could not list runs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := render.RenderRunList(w, runs); err != nil {
		logger.Error("Could not render run list", zap.Error(err))
	}
}

// Run page, summary of a run and its labelled table grouped by cluster.
func (dbctx *DBContext) RunPage(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := dbctx.Runs.GetRun(r.Context(), runID)
	if errors.Is(err, db.ErrRunNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	} else if err != nil {
		logger.Error("Could not load run", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "Could not load run", http.StatusInternalServerError)
		return
	}

	rows, err := dbctx.Runs.Records(r.Context(), run.ID, nil)
	if err != nil {
		logger.Error("Could not load records", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "Could not load records", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := render.RenderRun(w, run, rows); err != nil {
		logger.Error("Could not render run", zap.String("run_id", runID), zap.Error(err))
	}
}

func (dbctx *DBContext) lookupRun(w http.ResponseWriter, r *http.Request) (*db.Run, bool) {
	runID := r.PathValue("run_id")
	run, err := dbctx.Runs.GetRun(r.Context(), runID)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run "+runID+" not found")
		return nil, false
	}
	if err != nil {
		logger.Error("Could not load run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return nil, false
	}
	return run, true
}

// intQuery reads an optional integer query parameter, answering 400 when malformed.
func intQuery(w http.ResponseWriter, r *http.Request, name string) (*int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": "+raw)
		return nil, false
	}
	return &n, true
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
