package table

import (
	"errors"
	"fmt"
	"strings"
)

var ErrSourceFileNotFound = errors.New("source table does not exist")

// ParseError reports a table that could not be read even after skipping
// malformed rows (when the source allows skipping).
type ParseError struct {
	Source string
	Path   string
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s table %s line %d: %v", e.Source, e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s table %s: %v", e.Source, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MissingColumnsError names columns a table was required to carry. Source is
// empty when the check ran on the merged table.
type MissingColumnsError struct {
	Source  string
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	where := "merged table"
	if e.Source != "" {
		where = e.Source + " table"
	}
	return fmt.Sprintf("%s is missing columns: %s", where, strings.Join(e.Columns, ", "))
}
