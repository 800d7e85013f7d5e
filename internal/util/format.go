package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// FormatBytes renders a byte count with a binary unit suffix
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders d rounded to milliseconds, or seconds once over a minute
func FormatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Millisecond).String()
}

// FormatFlags renders a stream flag word as hex
func FormatFlags(flags uint32) string {
	return fmt.Sprintf("0x%08x", flags)
}

// PadString pads s to width display cells
func PadString(s string, width int, leftAlign bool) string {
	if runewidth.StringWidth(s) >= width {
		return s
	}
	if leftAlign {
		return runewidth.FillRight(s, width)
	}
	return runewidth.FillLeft(s, width)
}

// FormatTable renders rows with columns padded to their widest cell.
// The first row is treated as the header and underlined.
func FormatTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if w := runewidth.StringWidth(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	var sb strings.Builder
	for r, row := range rows {
		cells := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = PadString(cell, widths[i], i == 0)
		}
		sb.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		sb.WriteByte('\n')
		if r == 0 {
			total := 0
			for _, w := range widths {
				total += w
			}
			sb.WriteString(strings.Repeat("-", total+2*(len(widths)-1)))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
