package table

import (
	"errors"
	"strconv"

	"github.com/yumyai/clusterfinder/logger"
	"go.uber.org/zap"
)

// Canonical column names of the merged table.
const (
	ColSeqName        = "seqName"
	ColCollectionDate = "collection_date"
	ColLocation       = "location"
	ColDeletions      = "deletions"
	ColInsertions     = "insertions"
	ColCluster        = "cluster"
)

// NoCluster marks a sequence that TreeCluster did not place, or that never
// made it into the tree.
const NoCluster = -1

// RequiredColumns must all be present after the joins.
var RequiredColumns = []string{
	ColSeqName, ColCollectionDate, ColLocation, ColDeletions, ColInsertions, ColCluster,
}

// Sources describes the five tables reconciled at the end of a run.
type Sources struct {
	Metadata     Source `toml:"metadata"`
	VariantCalls Source `toml:"variant_calls"`
	Insertions   Source `toml:"insertions"`
	Deletions    Source `toml:"deletions"`
	Clusters     Source `toml:"clusters"`
}

// DefaultSources returns schemas matching the files written by nextalign,
// nextclade and TreeCluster. Paths are left empty.
func DefaultSources() Sources {
	return Sources{
		Metadata: Source{
			Name:      "metadata",
			Delimiter: ",",
			KeyColumn: ColSeqName,
		},
		VariantCalls: Source{
			Name:          "variant_calls",
			Delimiter:     ";",
			KeyColumn:     ColSeqName,
			SkipMalformed: true,
			Conflict:      ConflictSuffix,
			Suffix:        "_y",
		},
		Insertions: Source{
			Name:      "insertions",
			Delimiter: ",",
			KeyColumn: ColSeqName,
			Conflict:  ConflictSuffix,
			Suffix:    "_insertions",
		},
		Deletions: Source{
			Name:      "deletions",
			Delimiter: ",",
			KeyColumn: ColSeqName,
			Select:    []string{ColDeletions},
			Fallback:  map[string]string{ColDeletions: "errors"},
			Conflict:  ConflictOverride,
		},
		Clusters: Source{
			Name:      "clusters",
			Delimiter: "\t",
			KeyColumn: "SequenceName",
			Rename:    map[string]string{"ClusterNumber": ColCluster},
			Select:    []string{ColCluster},
			Integer:   []string{ColCluster},
			Conflict:  ConflictOverride,
		},
	}
}

// WithPaths returns a copy of s pointing at the given files.
func (s Sources) WithPaths(metadata, variantCalls, insertions, deletions, clusters string) Sources {
	s.Metadata.Path = metadata
	s.VariantCalls.Path = variantCalls
	s.Insertions.Path = insertions
	s.Deletions.Path = deletions
	s.Clusters.Path = clusters
	return s
}

func (s Sources) all() []Source {
	return []Source{s.Metadata, s.VariantCalls, s.Insertions, s.Deletions, s.Clusters}
}

// Validate checks every schema and returns all problems found.
func (s Sources) Validate() error {
	var errs []error
	for _, src := range s.all() {
		if err := src.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MergedRecord is one reconciled sequence.
type MergedRecord struct {
	SeqName        string
	CollectionDate string
	Location       string
	Deletions      string
	Insertions     string
	Cluster        int
}

// Merged is the outcome of Merge.
type Merged struct {
	Records []MergedRecord
	// Frame holds every joined column, before projection.
	Frame *Frame
}

// Merge loads the five sources and joins them:
//
//	metadata OUTER variant_calls LEFT insertions LEFT deletions OUTER clusters
//
// The last join is outer so sequences excluded from the tree still appear,
// with cluster NoCluster.
func Merge(s Sources) (*Merged, error) {
	logger.Info("Merging metadata with variants, insertions, deletions and clusters")
	if err := s.Validate(); err != nil {
		return nil, err
	}

	steps := []struct {
		src  Source
		kind JoinKind
	}{
		{s.VariantCalls, OuterJoin},
		{s.Insertions, LeftJoin},
		{s.Deletions, LeftJoin},
		{s.Clusters, OuterJoin},
	}

	combined, err := Load(s.Metadata)
	if err != nil {
		return nil, err
	}

	for _, step := range steps {
		right, err := Load(step.src)
		if err != nil {
			return nil, err
		}
		combined = combined.Join(right, step.kind, step.src.Conflict, step.src.Suffix)
		logger.Debug("Joined table",
			zap.String("source", step.src.Name),
			zap.Stringer("kind", step.kind),
			zap.Int("rows", combined.Len()))
	}

	logger.Info("Columns after merge", zap.Strings("columns", combined.Columns))

	var missing []string
	for _, c := range RequiredColumns {
		if c == ColSeqName {
			continue
		}
		if !combined.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		logger.Error("Missing columns after merge", zap.Strings("missing", missing))
		return nil, &MissingColumnsError{Columns: missing}
	}

	records := make([]MergedRecord, 0, combined.Len())
	for _, k := range combined.Keys() {
		rec, err := project(combined, k)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return &Merged{Records: records, Frame: combined}, nil
}

func project(f *Frame, key string) (MergedRecord, error) {
	get := func(col string) string {
		v, _ := f.Value(key, col)
		return v
	}

	rec := MergedRecord{
		SeqName:        key,
		CollectionDate: get(ColCollectionDate),
		Location:       get(ColLocation),
		Deletions:      get(ColDeletions),
		Insertions:     get(ColInsertions),
		Cluster:        NoCluster,
	}
	if raw := get(ColCluster); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return MergedRecord{}, &ParseError{Source: "merged", Err: err}
		}
		rec.Cluster = n
	}
	return rec, nil
}
