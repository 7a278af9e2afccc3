package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/yumyai/clusterfinder/internal/util"
	"github.com/yumyai/clusterfinder/logger"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ConflictPolicy decides what happens when a joined table brings a column the
// left side already has.
type ConflictPolicy string

const (
	// ConflictSuffix keeps both columns, renaming the incoming one with Suffix.
	ConflictSuffix ConflictPolicy = "suffix"
	// ConflictOverride lets the incoming table win for every identity it lists.
	ConflictOverride ConflictPolicy = "override"
)

// Source is the explicit schema of one input table.
type Source struct {
	Name      string `toml:"-"`
	Path      string `toml:"-"`
	Delimiter string `toml:"delimiter"`
	// KeyColumn is the identity column as named in the file (before Rename).
	KeyColumn string `toml:"key_column"`
	// NoHeader means the first row is data; Columns then names the fields.
	NoHeader bool     `toml:"no_header"`
	Columns  []string `toml:"columns"`
	// Rename maps file column names to canonical names.
	Rename map[string]string `toml:"rename"`
	// Fallback maps a wanted column to a column read in its place when the
	// wanted one is absent, e.g. deletions <- errors.
	Fallback map[string]string `toml:"fallback"`
	// Select restricts the columns kept after renaming; empty keeps all.
	Select []string `toml:"select"`
	// Integer columns must parse as integers and are stored canonically.
	Integer []string `toml:"integer"`
	// SkipMalformed drops rows with too many fields or broken quoting
	// instead of failing the load.
	SkipMalformed bool           `toml:"skip_malformed"`
	Conflict      ConflictPolicy `toml:"on_conflict"`
	Suffix        string         `toml:"suffix"`
}

func (s Source) comma() (rune, error) {
	if s.Delimiter == "" {
		return ',', nil
	}
	r, size := utf8.DecodeRuneInString(s.Delimiter)
	if size != len(s.Delimiter) || r == utf8.RuneError {
		return 0, fmt.Errorf("delimiter %q must be a single character", s.Delimiter)
	}
	return r, nil
}

// Validate checks the schema without touching the file. An empty Conflict
// reads as ConflictSuffix.
func (s Source) Validate() error {
	if strings.TrimSpace(s.KeyColumn) == "" {
		return fmt.Errorf("source %s: key_column is empty", s.Name)
	}
	if _, err := s.comma(); err != nil {
		return fmt.Errorf("source %s: %w", s.Name, err)
	}
	switch s.Conflict {
	case "", ConflictSuffix, ConflictOverride:
	default:
		return fmt.Errorf("source %s: unknown on_conflict %q (want %q or %q)",
			s.Name, s.Conflict, ConflictSuffix, ConflictOverride)
	}
	if s.NoHeader && len(s.Columns) == 0 {
		return fmt.Errorf("source %s: no_header needs explicit columns", s.Name)
	}
	return nil
}

func (s Source) rename(col string) string {
	if to, ok := s.Rename[col]; ok && to != "" {
		return to
	}
	return col
}

// Load reads the source into a Frame keyed by the canonical identity.
func Load(s Source) (*Frame, error) {
	if !util.FileExists(s.Path) {
		logger.Error("Source table does not exist", zap.String("source", s.Name), zap.String("path", s.Path))
		return nil, fmt.Errorf("%w: %s (%s)", ErrSourceFileNotFound, s.Path, s.Name)
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, &ParseError{Source: s.Name, Path: s.Path, Err: err}
	}
	defer f.Close()

	return read(s, f)
}

func read(s Source, r io.Reader) (*Frame, error) {
	perr := func(line int, err error) error {
		return &ParseError{Source: s.Name, Path: s.Path, Line: line, Err: err}
	}

	comma, err := s.comma()
	if err != nil {
		return nil, perr(0, err)
	}

	// Strip a leading byte-order mark, whatever encoding it announces.
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(transform.Nop)))
	cr.Comma = comma
	cr.FieldsPerRecord = -1

	var header []string
	if s.NoHeader {
		if len(s.Columns) == 0 {
			return nil, perr(0, errors.New("headerless source needs explicit columns"))
		}
		header = append(header, s.Columns...)
	} else {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil, perr(1, errors.New("empty table"))
		}
		if err != nil {
			return nil, perr(1, err)
		}
		for _, h := range rec {
			header = append(header, strings.TrimSpace(h))
		}
	}

	keyIdx := -1
	for i, h := range header {
		if h == s.KeyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, &MissingColumnsError{Source: s.Name, Columns: []string{s.KeyColumn}}
	}

	names := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		names[i] = s.rename(h)
		present[names[i]] = true
	}
	for wanted, alt := range s.Fallback {
		if present[wanted] {
			continue
		}
		for i, h := range names {
			if h == alt && i != keyIdx {
				logger.Warn("Column absent, falling back",
					zap.String("source", s.Name),
					zap.String("wanted", wanted),
					zap.String("using", alt))
				names[i] = wanted
				present[wanted] = true
				break
			}
		}
	}

	// Columns kept, as indexes into the raw record.
	var keep []int
	var cols []string
	selected := make(map[string]bool, len(s.Select))
	for _, c := range s.Select {
		selected[c] = true
	}
	seen := make(map[string]bool)
	for i, name := range names {
		if i == keyIdx {
			continue
		}
		if len(selected) > 0 && !selected[name] {
			continue
		}
		if seen[name] {
			return nil, perr(1, fmt.Errorf("duplicate column %q", name))
		}
		seen[name] = true
		keep = append(keep, i)
		cols = append(cols, name)
	}

	integer := make(map[int]bool)
	for _, c := range s.Integer {
		for j, name := range cols {
			if name == c {
				integer[j] = true
			}
		}
	}

	frame := NewFrame(cols)
	skipped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var csvErr *csv.ParseError
			if !errors.As(err, &csvErr) {
				return nil, perr(0, err)
			}
			if s.SkipMalformed {
				skipped++
				continue
			}
			return nil, perr(csvErr.Line, err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) > len(header) {
			if s.SkipMalformed {
				skipped++
				continue
			}
			return nil, perr(line, fmt.Errorf("expected %d fields, got %d", len(header), len(rec)))
		}
		// Short rows are padded, the missing cells read as absent.
		for len(rec) < len(header) {
			rec = append(rec, "")
		}

		key := NormalizeIdentity(rec[keyIdx])
		if key == "" {
			if s.SkipMalformed {
				skipped++
				continue
			}
			return nil, perr(line, errors.New("empty sequence identity"))
		}

		values := make([]string, len(keep))
		for j, i := range keep {
			values[j] = rec[i]
			if integer[j] && strings.TrimSpace(rec[i]) != "" {
				n, err := strconv.Atoi(strings.TrimSpace(rec[i]))
				if err != nil {
					return nil, perr(line, fmt.Errorf("column %q: %q is not an integer", cols[j], rec[i]))
				}
				values[j] = strconv.Itoa(n)
			}
		}
		if err := frame.Add(key, values); err != nil {
			return nil, perr(line, err)
		}
	}

	if skipped > 0 {
		logger.Warn("Skipped malformed rows",
			zap.String("source", s.Name),
			zap.String("path", s.Path),
			zap.Int("skipped", skipped))
	}
	frame.Skipped = skipped

	logger.Info("Loaded table",
		zap.String("source", s.Name),
		zap.Int("rows", frame.Len()),
		zap.Strings("columns", frame.Columns))
	return frame, nil
}

// NormalizeIdentity returns the canonical string form of a sequence
// identity. Values are never reinterpreted as numbers, so "007" stays "007".
func NormalizeIdentity(raw string) string {
	return strings.TrimSpace(raw)
}
