// Package cluster splits TreeCluster clusters into sub-clusters of identical
// location and variant signature and names every sequence in them.
package cluster

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/table"
	"go.uber.org/zap"
)

// Scope decides where suffix letters restart.
type Scope string

const (
	// ScopeGroup restarts at A for every sub-cluster, so two sub-clusters of
	// cluster 1 both start with "1A"; cluster_group tells them apart.
	ScopeGroup Scope = "group"
	// ScopeCluster keeps counting across the sub-clusters of a cluster, so
	// every label is distinct within its cluster id.
	ScopeCluster Scope = "cluster"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeGroup:
		return ScopeGroup, nil
	case ScopeCluster:
		return ScopeCluster, nil
	}
	return "", fmt.Errorf("unknown label scope %q (want %q or %q)", s, ScopeGroup, ScopeCluster)
}

// Key is the sub-cluster signature.
type Key struct {
	Cluster    int
	Location   string
	Deletions  string
	Insertions string
}

func keyOf(r table.MergedRecord) Key {
	return Key{Cluster: r.Cluster, Location: r.Location, Deletions: r.Deletions, Insertions: r.Insertions}
}

func compareKeys(a, b Key) int {
	return cmp.Or(
		cmp.Compare(a.Cluster, b.Cluster),
		cmp.Compare(a.Location, b.Location),
		cmp.Compare(a.Deletions, b.Deletions),
		cmp.Compare(a.Insertions, b.Insertions),
	)
}

// Group is one sub-cluster. Members index the input records, in input order.
type Group struct {
	Index   int
	Key     Key
	Members []int
}

// Partition groups records by signature. Group indexes follow the sorted
// order of the keys, cluster numerically first, then the strings.
func Partition(records []table.MergedRecord) []Group {
	byKey := make(map[Key]*Group)
	var keys []Key
	for i, r := range records {
		k := keyOf(r)
		g, ok := byKey[k]
		if !ok {
			g = &Group{Key: k}
			byKey[k] = g
			keys = append(keys, k)
		}
		g.Members = append(g.Members, i)
	}

	slices.SortFunc(keys, compareKeys)

	groups := make([]Group, len(keys))
	for i, k := range keys {
		g := byKey[k]
		g.Index = i
		groups[i] = *g
	}
	return groups
}

// Suffix returns the i-th label suffix: A..Z, then AA..AZ, BA.. and so on
// (bijective base 26), so groups larger than the alphabet stay unambiguous.
func Suffix(i int) string {
	if i < 0 {
		return ""
	}
	var buf []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		buf = append(buf, byte('A'+(n-1)%26))
	}
	slices.Reverse(buf)
	return string(buf)
}

// LabeledRecord is a merged record with its sub-cluster and final label.
type LabeledRecord struct {
	table.MergedRecord
	Group int
	Label string
}

// Label assigns cluster_group and Final Cluster to every record. The output
// keeps the input order.
func Label(records []table.MergedRecord, scope Scope) ([]LabeledRecord, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return nil, err
	}

	groups := Partition(records)
	out := make([]LabeledRecord, len(records))
	perCluster := make(map[int]int)

	for _, g := range groups {
		for pos, idx := range g.Members {
			n := pos
			if scope == ScopeCluster {
				n = perCluster[g.Key.Cluster]
				perCluster[g.Key.Cluster]++
			}
			out[idx] = LabeledRecord{
				MergedRecord: records[idx],
				Group:        g.Index,
				Label:        strconv.Itoa(g.Key.Cluster) + Suffix(n),
			}
		}
		if len(g.Members) > 26 && scope == ScopeGroup {
			logger.Debug("Sub-cluster exceeds single-letter suffixes",
				zap.Int("cluster", g.Key.Cluster),
				zap.Int("cluster_group", g.Index),
				zap.Int("members", len(g.Members)))
		}
	}

	logger.Info("Assigned final cluster labels",
		zap.Int("records", len(out)),
		zap.Int("groups", len(groups)),
		zap.String("scope", string(scope)))
	return out, nil
}

// Header is the column layout of the final table.
var Header = []string{
	table.ColSeqName,
	table.ColCollectionDate,
	table.ColLocation,
	table.ColDeletions,
	table.ColInsertions,
	table.ColCluster,
	"cluster_group",
	"Final Cluster",
}

func WriteCSV(w io.Writer, rows []LabeledRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.SeqName,
			r.CollectionDate,
			r.Location,
			r.Deletions,
			r.Insertions,
			strconv.Itoa(r.Cluster),
			strconv.Itoa(r.Group),
			r.Label,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
