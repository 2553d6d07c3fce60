package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is the version of the Summary shape rendered into prompts.
const SchemaVersion = 1

// Default sampling used by Summarize callers that have no preference.
const (
	DefaultSampleValues = 3
	DefaultSampleRows   = 3
	maxSampleLen        = 40
)

// ColumnSummary describes one column without its full data.
type ColumnSummary struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	NonNull int      `json:"non_null"`
	Samples []string `json:"samples"`
}

// Summary is the fixed, versioned structural description of a dataset.
type Summary struct {
	SchemaVersion int             `json:"schema_version"`
	Name          string          `json:"name"`
	Rows          int             `json:"rows"`
	Columns       []ColumnSummary `json:"columns"`
	SampleRows    [][]string      `json:"sample_rows"`
}

// Summarize describes the frame with up to sampleValues distinct non-empty
// values per column and the first sampleRows rows.
func (f *Frame) Summarize(sampleValues, sampleRows int) Summary {
	s := Summary{
		SchemaVersion: SchemaVersion,
		Name:          f.name,
		Rows:          len(f.rows),
		Columns:       make([]ColumnSummary, len(f.cols)),
	}
	for i, c := range f.cols {
		vals := make([]string, len(f.rows))
		cs := ColumnSummary{Name: c, Samples: []string{}}
		seen := make(map[string]struct{})
		for r, row := range f.rows {
			vals[r] = row[i]
			v := strings.TrimSpace(row[i])
			if v == "" {
				continue
			}
			cs.NonNull++
			if _, ok := seen[v]; ok || len(cs.Samples) >= sampleValues {
				continue
			}
			seen[v] = struct{}{}
			cs.Samples = append(cs.Samples, clip(v))
		}
		cs.Type = inferType(vals)
		s.Columns[i] = cs
	}

	if sampleRows > len(f.rows) {
		sampleRows = len(f.rows)
	}
	s.SampleRows = make([][]string, 0, sampleRows)
	for _, row := range f.rows[:sampleRows] {
		out := make([]string, len(row))
		for i, v := range row {
			out[i] = clip(v)
		}
		s.SampleRows = append(s.SampleRows, out)
	}
	return s
}

func clip(v string) string {
	r := []rune(v)
	if len(r) <= maxSampleLen {
		return v
	}
	return string(r[:maxSampleLen]) + "..."
}

// Render formats the summary as deterministic prompt text.
func (s Summary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dataset %q (schema v%d): %d rows, %d columns\n", s.Name, s.SchemaVersion, s.Rows, len(s.Columns))
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "  - %s (%s, %d non-null)", c.Name, c.Type, c.NonNull)
		if len(c.Samples) > 0 {
			quoted := make([]string, len(c.Samples))
			for i, v := range c.Samples {
				quoted[i] = strconv.Quote(v)
			}
			fmt.Fprintf(&b, " e.g. %s", strings.Join(quoted, ", "))
		}
		b.WriteByte('\n')
	}
	if len(s.SampleRows) > 0 {
		b.WriteString("  sample rows:\n")
		for _, row := range s.SampleRows {
			fmt.Fprintf(&b, "    %s\n", strings.Join(row, " | "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatValue renders a run's returned value for display and prompts.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "(no value)"
	case *Frame:
		return x.String()
	case string:
		return x
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
