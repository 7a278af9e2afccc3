package table

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	metadata, variants, insertions, deletions, clusters string
}

func defaultFixture() fixture {
	return fixture{
		metadata: "seqName,collection_date,location\n" +
			"S1,2024-01-02,Bangkok\n" +
			"S2,2024-01-03,Bangkok\n" +
			"S3,2024-02-10,Chiang Mai\n",
		variants: "seqName;clade;deletions;insertions\n" +
			"S1;21K;;\n" +
			"S2;21K;100-102;\n" +
			"S3;21L;;\n",
		insertions: "seqName,insertions\n" +
			"S1,\n" +
			"S2,\n" +
			"S3,\n",
		deletions: "seqName,deletions\n" +
			"S1,\n" +
			"S2,100-102\n" +
			"S3,\n",
		clusters: "SequenceName\tClusterNumber\n" +
			"S1\t1\n" +
			"S2\t1\n" +
			"S3\t2\n",
	}
}

func writeFixture(t *testing.T, fx fixture) Sources {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		return p
	}
	return DefaultSources().WithPaths(
		write("metadata.csv", fx.metadata),
		write("nextclade.csv", fx.variants),
		write("nextalign.insertions.csv", fx.insertions),
		write("nextalign.errors.csv", fx.deletions),
		write("clusters.txt", fx.clusters),
	)
}

func byName(records []MergedRecord) map[string]MergedRecord {
	m := make(map[string]MergedRecord, len(records))
	for _, r := range records {
		m[r.SeqName] = r
	}
	return m
}

func TestMergeScenario(t *testing.T) {
	merged, err := Merge(writeFixture(t, defaultFixture()))
	require.NoError(t, err)
	require.Len(t, merged.Records, 3)

	assert.Equal(t, []MergedRecord{
		{SeqName: "S1", CollectionDate: "2024-01-02", Location: "Bangkok", Cluster: 1},
		{SeqName: "S2", CollectionDate: "2024-01-03", Location: "Bangkok", Deletions: "100-102", Cluster: 1},
		{SeqName: "S3", CollectionDate: "2024-02-10", Location: "Chiang Mai", Cluster: 2},
	}, merged.Records)

	// nextalign's insertions collide with nextclade's and are kept under a suffix.
	assert.True(t, merged.Frame.Has("insertions_insertions"))
	assert.True(t, merged.Frame.Has("clade"))
}

func TestMergeOuterJoinCompleteness(t *testing.T) {
	fx := defaultFixture()
	// S4 only reached the variant caller, S5 only the tree, S6 only nextalign's insertions.
	fx.variants += "S4;21L;5-9;\n"
	fx.clusters += "S5\t-1\n"
	fx.insertions += "S6,200:AT\n"

	merged, err := Merge(writeFixture(t, fx))
	require.NoError(t, err)

	got := byName(merged.Records)
	require.Len(t, got, 5)

	s4 := got["S4"]
	assert.Equal(t, "5-9", s4.Deletions)
	assert.Equal(t, "", s4.Location)
	assert.Equal(t, NoCluster, s4.Cluster)

	s5 := got["S5"]
	assert.Equal(t, NoCluster, s5.Cluster)
	assert.Equal(t, "", s5.Deletions)
	assert.Equal(t, "", s5.Insertions)

	_, ok := got["S6"]
	assert.False(t, ok, "insertions are left-joined")

	// Left rows first, then right-only rows in the order they were found.
	var order []string
	for _, r := range merged.Records {
		order = append(order, r.SeqName)
	}
	assert.Equal(t, []string{"S1", "S2", "S3", "S4", "S5"}, order)
}

func TestMergeMissingClusterDefaultsToSentinel(t *testing.T) {
	fx := defaultFixture()
	fx.clusters = "SequenceName\tClusterNumber\nS1\t4\n"

	merged, err := Merge(writeFixture(t, fx))
	require.NoError(t, err)

	got := byName(merged.Records)
	assert.Equal(t, 4, got["S1"].Cluster)
	assert.Equal(t, NoCluster, got["S2"].Cluster)
	assert.Equal(t, NoCluster, got["S3"].Cluster)
}

func TestMergeDeletionsFallbackToErrors(t *testing.T) {
	fx := defaultFixture()
	fx.variants = "seqName;clade\nS1;21K\nS2;21K\nS3;21L\n"
	fx.deletions = "seqName,errors,warnings\n" +
		"S1,frame shift,\n" +
		"S2,,low quality\n" +
		"S3,gene S missing,\n"

	merged, err := Merge(writeFixture(t, fx))
	require.NoError(t, err)

	got := byName(merged.Records)
	assert.Equal(t, "frame shift", got["S1"].Deletions)
	assert.Equal(t, "", got["S2"].Deletions)
	assert.Equal(t, "gene S missing", got["S3"].Deletions)
	assert.False(t, merged.Frame.Has("errors"))
	assert.False(t, merged.Frame.Has("warnings"))
}

func TestMergeDeletionsTableOverridesVariantCalls(t *testing.T) {
	fx := defaultFixture()
	fx.deletions = "seqName,deletions\nS2,100-104\n"

	merged, err := Merge(writeFixture(t, fx))
	require.NoError(t, err)

	got := byName(merged.Records)
	assert.Equal(t, "100-104", got["S2"].Deletions)
	// Identities the deletions table does not list keep the variant caller's value.
	assert.Equal(t, "", got["S1"].Deletions)
}

func TestMergeMissingColumns(t *testing.T) {
	fx := defaultFixture()
	fx.metadata = "seqName,collection_date\nS1,2024-01-02\nS2,2024-01-03\nS3,2024-02-10\n"
	fx.variants = "seqName;clade\nS1;21K\n"
	fx.insertions = "seqName,note\nS1,x\n"

	_, err := Merge(writeFixture(t, fx))
	require.Error(t, err)

	var mc *MissingColumnsError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, []string{ColLocation, ColInsertions}, mc.Columns)
	assert.Equal(t, "", mc.Source)
}

func TestMergeSourceFileNotFound(t *testing.T) {
	srcs := writeFixture(t, defaultFixture())
	srcs.Deletions.Path = filepath.Join(t.TempDir(), "nextalign.errors.csv")

	_, err := Merge(srcs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceFileNotFound)
	assert.Contains(t, err.Error(), "nextalign.errors.csv")
}

func TestMergeRejectsDuplicateIdentity(t *testing.T) {
	fx := defaultFixture()
	fx.metadata += "S1,2024-03-01,Phuket\n"

	_, err := Merge(writeFixture(t, fx))
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "metadata", pe.Source)
	assert.Equal(t, 5, pe.Line)
	assert.Contains(t, err.Error(), "duplicate sequence identity")
}

func TestMergeRejectsNonIntegerCluster(t *testing.T) {
	fx := defaultFixture()
	fx.clusters = "SequenceName\tClusterNumber\nS1\tone\n"

	_, err := Merge(writeFixture(t, fx))
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "clusters", pe.Source)
}

func TestMergeSkipsMalformedVariantRows(t *testing.T) {
	fx := defaultFixture()
	fx.variants = "seqName;clade;deletions;insertions\n" +
		"S1;21K;;\n" +
		"S2;21K;100-102;;extra;fields\n" +
		"S3;21L;;\n"

	merged, err := Merge(writeFixture(t, fx))
	require.NoError(t, err)
	assert.Equal(t, 1, merged.Frame.Skipped)

	// S2 is still present through metadata; its deletions come from the deletions table.
	got := byName(merged.Records)
	assert.Equal(t, "100-102", got["S2"].Deletions)
}

func TestMergeStrictSourceFailsOnMalformedRow(t *testing.T) {
	fx := defaultFixture()
	fx.metadata += "S4,2024-03-01,Phuket,unexpected\n"

	_, err := Merge(writeFixture(t, fx))
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "metadata", pe.Source)
	assert.Equal(t, 5, pe.Line)
}

func TestMergeKeepsIdentityText(t *testing.T) {
	fx := fixture{
		metadata:   "\ufeffseqName,collection_date,location\n007,2024-01-01,Lab\n7,2024-01-01,Lab\n",
		variants:   "seqName;deletions;insertions\n007;1-2;\n7;;\n",
		insertions: "seqName,insertions\n",
		deletions:  "seqName,deletions\n",
		clusters:   "SequenceName\tClusterNumber\n007\t1\n 7 \t2\n",
	}

	merged, err := Merge(writeFixture(t, fx))
	require.NoError(t, err)

	got := byName(merged.Records)
	require.Len(t, got, 2)
	assert.Equal(t, "1-2", got["007"].Deletions)
	assert.Equal(t, 1, got["007"].Cluster)
	assert.Equal(t, 2, got["7"].Cluster)
}

func TestMergeMissingKeyColumn(t *testing.T) {
	fx := defaultFixture()
	fx.metadata = "name,collection_date,location\nS1,2024-01-02,Bangkok\n"

	_, err := Merge(writeFixture(t, fx))
	var mc *MissingColumnsError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, "metadata", mc.Source)
	assert.Equal(t, []string{ColSeqName}, mc.Columns)
}

func TestHeaderlessClusterSource(t *testing.T) {
	fx := defaultFixture()
	fx.clusters = "S1\t1\nS2\t1\nS3\t2\n"
	srcs := writeFixture(t, fx)
	srcs.Clusters.NoHeader = true
	srcs.Clusters.Columns = []string{"SequenceName", "ClusterNumber"}

	merged, err := Merge(srcs)
	require.NoError(t, err)
	assert.Equal(t, 2, byName(merged.Records)["S3"].Cluster)
}

func TestSourcesValidate(t *testing.T) {
	require.NoError(t, DefaultSources().Validate())

	tests := []struct {
		name   string
		modify func(s *Sources)
		want   string
	}{
		{"empty key column", func(s *Sources) { s.Clusters.KeyColumn = " " }, "key_column is empty"},
		{"long delimiter", func(s *Sources) { s.Metadata.Delimiter = ";;" }, "single character"},
		{"unknown conflict policy", func(s *Sources) { s.Deletions.Conflict = "merge" }, `unknown on_conflict "merge"`},
		{"headerless without columns", func(s *Sources) { s.Clusters.NoHeader = true }, "needs explicit columns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSources()
			tt.modify(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMergeRejectsInvalidSchema(t *testing.T) {
	srcs := writeFixture(t, defaultFixture())
	srcs.Insertions.Conflict = "merge"

	_, err := Merge(srcs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insertions")
}
