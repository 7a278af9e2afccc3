package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/yumyai/clusterfinder/internal/util"
	"github.com/yumyai/clusterfinder/pkg/table"
)

// Params are the user inputs of one run.
type Params struct {
	InputFasta   string
	OutputPrefix string
	GenomeLength int
	Threshold    float64
	Reference    string
	Annotation   string
	MetadataFile string
}

func (p Params) Validate() error {
	required := []struct {
		field, value string
	}{
		{"input fasta", p.InputFasta},
		{"output prefix", p.OutputPrefix},
		{"reference", p.Reference},
		{"annotation", p.Annotation},
		{"metadata file", p.MetadataFile},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Err: errors.New("required")}
		}
	}
	if p.GenomeLength <= 0 {
		return &ValidationError{Field: "genome length", Err: fmt.Errorf("%d is not positive", p.GenomeLength)}
	}
	if p.Threshold <= 0 {
		return &ValidationError{Field: "threshold", Err: fmt.Errorf("%g is not positive", p.Threshold)}
	}

	for _, in := range []struct {
		field, path string
	}{
		{"input fasta", p.InputFasta},
		{"reference", p.Reference},
		{"annotation", p.Annotation},
		{"metadata file", p.MetadataFile},
	} {
		if !util.FileExists(in.path) {
			return &ValidationError{Field: in.field, Err: fmt.Errorf("%w: %s", table.ErrSourceFileNotFound, in.path)}
		}
	}
	return nil
}

// Fields renders the parameters for the run ledger.
func (p Params) Fields() map[string]string {
	return map[string]string{
		"input_fasta":   p.InputFasta,
		"output_prefix": p.OutputPrefix,
		"genome_length": strconv.Itoa(p.GenomeLength),
		"threshold":     strconv.FormatFloat(p.Threshold, 'g', -1, 64),
		"reference":     p.Reference,
		"annotation":    p.Annotation,
		"metadata_file": p.MetadataFile,
	}
}

// Paths are the files a run reads and writes, all derived from the output prefix.
type Paths struct {
	AlignDir   string
	Aligned    string
	Insertions string
	Errors     string
	CladeDir   string
	CladeCSV   string
	TreeFile   string
	Checkpoint string
	Clusters   string
	FinalTable string
	Lock       string
}

func NewPaths(prefix string) Paths {
	alignDir := prefix + "_nextalign"
	cladeDir := prefix + "_nextclade"
	return Paths{
		AlignDir:   alignDir,
		Aligned:    filepath.Join(alignDir, "nextalign.aligned.fasta"),
		Insertions: filepath.Join(alignDir, "nextalign.insertions.csv"),
		Errors:     filepath.Join(alignDir, "nextalign.errors.csv"),
		CladeDir:   cladeDir,
		CladeCSV:   filepath.Join(cladeDir, "nextclade.csv"),
		TreeFile:   prefix + ".treefile",
		Checkpoint: prefix + ".ckp.gz",
		Clusters:   prefix + "_clusters.txt",
		FinalTable: prefix + "_final_table.csv",
		Lock:       prefix + ".lock",
	}
}
