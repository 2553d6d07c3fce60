// Package frame provides the tabular dataset type and the small set of data
// primitives generated analysis code is allowed to use.
//
// Frames are immutable: every operation returns a new frame that shares the
// underlying cell strings. Derived frames charge their size to the Arena of
// the Workspace they came from, so a run cannot grow memory without bound.
package frame

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Column type tags used in summaries.
const (
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeString = "string"
	TypeEmpty  = "empty"
)

// ErrColumnNotFound is returned when an operation names an unknown column.
var ErrColumnNotFound = errors.New("column not found")

// Frame is an immutable table of string cells with a header.
type Frame struct {
	name  string
	cols  []string
	index map[string]int
	rows  [][]string
	arena *Arena
}

// Row is a read-only view of one frame row.
type Row struct {
	index map[string]int
	vals  []string
}

// New builds a frame from a header and rows. Short rows are padded and long
// rows are truncated to the header width.
func New(name string, cols []string, rows [][]string) *Frame {
	f := &Frame{name: name, cols: append([]string(nil), cols...)}
	f.index = buildIndex(f.cols)
	f.rows = make([][]string, len(rows))
	for i, r := range rows {
		f.rows[i] = normalizeRow(r, len(cols))
	}
	return f
}

func buildIndex(cols []string) map[string]int {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		if _, dup := idx[c]; !dup {
			idx[c] = i
		}
	}
	return idx
}

func normalizeRow(r []string, width int) []string {
	if len(r) == width {
		return r
	}
	out := make([]string, width)
	copy(out, r)
	return out
}

// ReadCSV loads a CSV file with a header row.
func ReadCSV(path, name string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", name, err)
	}
	defer file.Close()
	return ParseCSV(file, name)
}

// ParseCSV reads CSV data with a header row from r.
func ParseCSV(r io.Reader, name string) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("dataset %s is empty", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", name, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
		if header[i] == "" {
			header[i] = "column_" + strconv.Itoa(i)
		}
	}

	var rows [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		rows = append(rows, rec)
	}
	return New(name, header, rows), nil
}

// Name returns the dataset name the frame was loaded or derived from.
func (f *Frame) Name() string { return f.name }

// Columns returns a copy of the column names.
func (f *Frame) Columns() []string { return append([]string(nil), f.cols...) }

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.rows) }

// Has reports whether the frame has a column.
func (f *Frame) Has(col string) bool {
	_, ok := f.index[col]
	return ok
}

// Rows returns views over every row.
func (f *Frame) Rows() []Row {
	f.arena.check()
	out := make([]Row, len(f.rows))
	for i, r := range f.rows {
		out[i] = Row{index: f.index, vals: r}
	}
	return out
}

// Col returns the values of one column.
func (f *Frame) Col(col string) ([]string, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return nil, err
	}
	f.arena.charge(len(f.rows))
	out := make([]string, len(f.rows))
	for r, row := range f.rows {
		out[r] = row[i]
	}
	return out, nil
}

// Floats returns the numeric values of one column, skipping empty cells.
func (f *Frame) Floats(col string) ([]float64, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return nil, err
	}
	f.arena.charge(len(f.rows))
	out := make([]float64, 0, len(f.rows))
	for _, row := range f.rows {
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: value %q is not numeric", col, v)
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *Frame) colIndex(col string) (int, error) {
	f.arena.check()
	i, ok := f.index[col]
	if !ok {
		return 0, fmt.Errorf("%w: %q (available: %s)", ErrColumnNotFound, col, strings.Join(f.cols, ", "))
	}
	return i, nil
}

func (f *Frame) derive(cols []string, rows [][]string) *Frame {
	f.arena.charge(len(cols) * (len(rows) + 1))
	return &Frame{
		name:  f.name,
		cols:  cols,
		index: buildIndex(cols),
		rows:  rows,
		arena: f.arena,
	}
}

// Get returns the cell for col, or "" if the column does not exist.
func (r Row) Get(col string) string {
	i, ok := r.index[col]
	if !ok {
		return ""
	}
	return r.vals[i]
}

// Float returns the cell for col parsed as a number, or 0 if it is not numeric.
func (r Row) Float(col string) float64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(r.Get(col)), 64)
	if err != nil {
		return 0
	}
	return n
}

// Int returns the cell for col parsed as an integer, or 0 if it is not one.
func (r Row) Int(col string) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.Get(col)))
	if err != nil {
		return int(r.Float(col))
	}
	return n
}

// Values returns a copy of the row's cells.
func (r Row) Values() []string { return append([]string(nil), r.vals...) }

func inferType(values []string) string {
	seen := false
	isInt, isFloat, isBool := true, true, true
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		seen = true
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}
		if isBool {
			switch strings.ToLower(v) {
			case "true", "false":
			default:
				isBool = false
			}
		}
		if !isInt && !isFloat && !isBool {
			break
		}
	}
	switch {
	case !seen:
		return TypeEmpty
	case isInt:
		return TypeInt
	case isFloat:
		return TypeFloat
	case isBool:
		return TypeBool
	default:
		return TypeString
	}
}

// ColumnType returns the inferred type tag of a column.
func (f *Frame) ColumnType(col string) (string, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return "", err
	}
	vals := make([]string, len(f.rows))
	for r, row := range f.rows {
		vals[r] = row[i]
	}
	return inferType(vals), nil
}
