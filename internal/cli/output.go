package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"portfolio-engine/internal/models"
	"portfolio-engine/pkg/utils"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()
	return &Output{
		writer:       w,
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && !color.NoColor && w == os.Stdout,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.line(color.FgGreen, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.line(color.FgRed, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.line(color.FgYellow, format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.line(color.FgCyan, format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.line(color.Bold, format, args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.line(color.Faint, format, args...)
}

func (o *Output) line(attr color.Attribute, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, o.paint(attr, fmt.Sprintf(format, args...)))
}

func (o *Output) paint(attr color.Attribute, text string) string {
	if !o.colorEnabled {
		return text
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(text)
}

// Green returns green colored text.
func (o *Output) Green(text string) string { return o.paint(color.FgGreen, text) }

// Red returns red colored text.
func (o *Output) Red(text string) string { return o.paint(color.FgRed, text) }

// Yellow returns yellow colored text.
func (o *Output) Yellow(text string) string { return o.paint(color.FgYellow, text) }

// DimText returns dimmed text.
func (o *Output) DimText(text string) string { return o.paint(color.Faint, text) }

// signed colours text by the sign of v.
func (o *Output) signed(v float64, text string) string {
	switch {
	case v > 0:
		return o.Green(text)
	case v < 0:
		return o.Red(text)
	}
	return text
}

// FormatPnL formats P&L in currency with colour.
func (o *Output) FormatPnL(pnl float64, currency string) string {
	return o.signed(pnl, utils.FormatPnL(pnl, currency))
}

// FormatPercent formats a percentage with colour.
func (o *Output) FormatPercent(pct float64) string {
	return o.signed(pct, utils.FormatPercent(pct))
}

// Severity colours an alert severity.
func (o *Output) Severity(s models.Severity) string {
	label := strings.ToUpper(string(s))
	switch s {
	case models.SeverityHigh:
		return o.Red(label)
	case models.SeverityMedium:
		return o.Yellow(label)
	}
	return label
}

// MarketStatus colours a market session status.
func (o *Output) MarketStatus(status utils.MarketStatus) string {
	switch status {
	case utils.MarketOpen:
		return o.Green("● OPEN")
	case utils.MarketBreak:
		return o.Yellow("● LUNCH")
	default:
		return o.Red("● CLOSED")
	}
}

// Table represents a simple table for output.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{
		headers: headers,
		output:  output,
	}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], visibleLen(cell))
			}
		}
	}

	t.printRow(t.headers, widths, true)
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("─", w)
	}
	t.output.Println(t.output.DimText(strings.Join(parts, "──")))
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, isHeader bool) {
	var parts []string
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padded := cell + strings.Repeat(" ", max(0, widths[i]-visibleLen(cell)))
		if isHeader {
			padded = t.output.paint(color.Bold, padded)
		}
		parts = append(parts, padded)
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

// visibleLen is the rune width of s without ANSI escape sequences.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}
