package frame

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

const (
	chartBarHeight = 22
	chartWidth     = 640
	chartLabelW    = 160
)

func parseValues(col string, raw []string) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, v := range raw {
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: value %q is not numeric", col, v)
		}
		out[i] = n
	}
	return out, nil
}

// renderBarChart draws a horizontal bar chart. Negative values are drawn as
// zero-width bars with their label.
func renderBarChart(title string, labels []string, values []float64) string {
	maxV := 0.0
	for _, v := range values {
		if v > maxV {
			maxV = v
		}
	}
	height := 40 + len(values)*chartBarHeight

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" font-family="sans-serif" font-size="12">`, chartWidth, height)
	fmt.Fprintf(&b, `<text x="8" y="20" font-size="14">%s</text>`, html.EscapeString(title))
	for i, v := range values {
		y := 32 + i*chartBarHeight
		w := 0.0
		if maxV > 0 && v > 0 {
			w = v / maxV * float64(chartWidth-chartLabelW-60)
		}
		fmt.Fprintf(&b, `<text x="8" y="%d">%s</text>`, y+14, html.EscapeString(labels[i]))
		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="%.1f" height="%d" fill="#4e79a7"/>`, chartLabelW, y, w, chartBarHeight-6)
		fmt.Fprintf(&b, `<text x="%.1f" y="%d">%s</text>`, float64(chartLabelW)+w+4, y+14, formatFloat(v))
	}
	b.WriteString(`</svg>`)
	return b.String()
}
