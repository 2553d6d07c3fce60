package frame

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Agg names an aggregation used by GroupBy.
type Agg string

// Supported aggregations.
const (
	AggSum   Agg = "sum"
	AggMean  Agg = "mean"
	AggCount Agg = "count"
	AggMin   Agg = "min"
	AggMax   Agg = "max"
)

// Head returns the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > len(f.rows) {
		n = len(f.rows)
	}
	return f.derive(f.cols, f.rows[:n:n])
}

// Select returns a frame with only the named columns, in the given order.
func (f *Frame) Select(cols ...string) (*Frame, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		j, err := f.colIndex(c)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	rows := make([][]string, len(f.rows))
	for r, row := range f.rows {
		out := make([]string, len(idx))
		for i, j := range idx {
			out[i] = row[j]
		}
		rows[r] = out
	}
	return f.derive(append([]string(nil), cols...), rows), nil
}

// Filter returns the rows for which keep returns true.
func (f *Frame) Filter(keep func(Row) bool) *Frame {
	var rows [][]string
	for i, row := range f.rows {
		if i%1024 == 0 {
			f.arena.check()
		}
		if keep(Row{index: f.index, vals: row}) {
			rows = append(rows, row)
		}
	}
	return f.derive(f.cols, rows)
}

// Where returns the rows whose column equals value.
func (f *Frame) Where(col, value string) (*Frame, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	for _, row := range f.rows {
		if row[i] == value {
			rows = append(rows, row)
		}
	}
	return f.derive(f.cols, rows), nil
}

// SortBy returns the frame sorted by one column. Numeric columns sort
// numerically, everything else lexically. The sort is stable.
func (f *Frame) SortBy(col string, desc bool) (*Frame, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return nil, err
	}
	typ, _ := f.ColumnType(col)
	numeric := typ == TypeInt || typ == TypeFloat

	rows := append([][]string(nil), f.rows...)
	less := func(a, b []string) bool {
		if numeric {
			x, _ := strconv.ParseFloat(strings.TrimSpace(a[i]), 64)
			y, _ := strconv.ParseFloat(strings.TrimSpace(b[i]), 64)
			return x < y
		}
		return a[i] < b[i]
	}
	sort.SliceStable(rows, func(x, y int) bool {
		if desc {
			return less(rows[y], rows[x])
		}
		return less(rows[x], rows[y])
	})
	return f.derive(f.cols, rows), nil
}

// GroupBy aggregates value per distinct key. The result has the columns
// key and "<agg>_<value>" and is ordered by key.
func (f *Frame) GroupBy(key, value string, agg Agg) (*Frame, error) {
	ki, err := f.colIndex(key)
	if err != nil {
		return nil, err
	}
	vi, err := f.colIndex(value)
	if err != nil {
		return nil, err
	}
	switch agg {
	case AggSum, AggMean, AggCount, AggMin, AggMax:
	default:
		return nil, fmt.Errorf("unsupported aggregation %q", agg)
	}

	groups := make(map[string][]float64)
	counts := make(map[string]int)
	var order []string
	for _, row := range f.rows {
		k := row[ki]
		if _, ok := counts[k]; !ok {
			order = append(order, k)
			counts[k] = 0
		}
		v := strings.TrimSpace(row[vi])
		if v == "" {
			continue
		}
		counts[k]++
		if agg == AggCount {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: value %q is not numeric", value, v)
		}
		groups[k] = append(groups[k], n)
	}
	sort.Strings(order)

	rows := make([][]string, 0, len(order))
	for _, k := range order {
		var out float64
		if agg == AggCount {
			out = float64(counts[k])
		} else {
			out = aggregate(groups[k], agg)
		}
		rows = append(rows, []string{k, formatFloat(out)})
	}
	return f.derive([]string{key, string(agg) + "_" + value}, rows), nil
}

func aggregate(vals []float64, agg Agg) float64 {
	if len(vals) == 0 {
		return 0
	}
	switch agg {
	case AggSum:
		return sum(vals)
	case AggMean:
		return sum(vals) / float64(len(vals))
	case AggMin:
		m := vals[0]
		for _, v := range vals[1:] {
			m = math.Min(m, v)
		}
		return m
	case AggMax:
		m := vals[0]
		for _, v := range vals[1:] {
			m = math.Max(m, v)
		}
		return m
	default:
		return float64(len(vals))
	}
}

func sum(vals []float64) float64 {
	var s float64
	for _, v := range vals {
		s += v
	}
	return s
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (f *Frame) reduce(col string, agg Agg) (float64, error) {
	vals, err := f.Floats(col)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 && agg != AggSum {
		return 0, fmt.Errorf("column %q has no numeric values", col)
	}
	return aggregate(vals, agg), nil
}

// Sum returns the sum of a numeric column.
func (f *Frame) Sum(col string) (float64, error) { return f.reduce(col, AggSum) }

// Mean returns the mean of a numeric column.
func (f *Frame) Mean(col string) (float64, error) { return f.reduce(col, AggMean) }

// Min returns the minimum of a numeric column.
func (f *Frame) Min(col string) (float64, error) { return f.reduce(col, AggMin) }

// Max returns the maximum of a numeric column.
func (f *Frame) Max(col string) (float64, error) { return f.reduce(col, AggMax) }

// Count returns the number of non-empty cells in a column.
func (f *Frame) Count(col string) (int, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range f.rows {
		if strings.TrimSpace(row[i]) != "" {
			n++
		}
	}
	return n, nil
}

// Unique returns the distinct values of a column in first-seen order.
func (f *Frame) Unique(col string) ([]string, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, row := range f.rows {
		if _, ok := seen[row[i]]; ok {
			continue
		}
		seen[row[i]] = struct{}{}
		out = append(out, row[i])
	}
	f.arena.charge(len(out))
	return out, nil
}

// ValueCounts returns a frame of (value, count) pairs, most frequent first.
func (f *Frame) ValueCounts(col string) (*Frame, error) {
	i, err := f.colIndex(col)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, row := range f.rows {
		counts[row[i]]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if counts[keys[a]] != counts[keys[b]] {
			return counts[keys[a]] > counts[keys[b]]
		}
		return keys[a] < keys[b]
	})
	rows := make([][]string, len(keys))
	for r, k := range keys {
		rows[r] = []string{k, strconv.Itoa(counts[k])}
	}
	return f.derive([]string{col, "count"}, rows), nil
}

// Describe returns count, mean, min and max for every numeric column.
func (f *Frame) Describe() *Frame {
	var rows [][]string
	for _, c := range f.cols {
		typ, _ := f.ColumnType(c)
		if typ != TypeInt && typ != TypeFloat {
			continue
		}
		vals, err := f.Floats(c)
		if err != nil || len(vals) == 0 {
			continue
		}
		rows = append(rows, []string{
			c,
			strconv.Itoa(len(vals)),
			formatFloat(aggregate(vals, AggMean)),
			formatFloat(aggregate(vals, AggMin)),
			formatFloat(aggregate(vals, AggMax)),
		})
	}
	return f.derive([]string{"column", "count", "mean", "min", "max"}, rows)
}

const maxRenderRows = 20

// String renders the frame as an aligned text table. Long frames are cut
// after the first rows with a trailer naming how many were omitted.
func (f *Frame) String() string {
	n := len(f.rows)
	if n > maxRenderRows {
		n = maxRenderRows
	}
	widths := make([]int, len(f.cols))
	for i, c := range f.cols {
		widths[i] = len(c)
	}
	for _, row := range f.rows[:n] {
		for i, v := range row {
			if len(v) > widths[i] {
				widths[i] = len(v)
			}
		}
	}

	var b strings.Builder
	writeRow := func(vals []string) {
		for i, v := range vals {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(v)
			if i < len(vals)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(v)))
			}
		}
		b.WriteByte('\n')
	}
	writeRow(f.cols)
	for _, row := range f.rows[:n] {
		writeRow(row)
	}
	if rest := len(f.rows) - n; rest > 0 {
		fmt.Fprintf(&b, "... (%d more rows)\n", rest)
	}
	return strings.TrimRight(b.String(), "\n")
}
