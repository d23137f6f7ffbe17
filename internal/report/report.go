// Package report renders valuation snapshots as markdown, HTML for email
// bodies, and styled terminal output.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"portfolio-engine/internal/models"
	"portfolio-engine/internal/valuation"
	"portfolio-engine/pkg/utils"
)

//go:embed templates/*.md
var templates embed.FS

// Kind selects the report flavour.
type Kind string

const (
	KindSummary Kind = "summary"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
)

// Data is everything a report shows. Previous, when set, is an earlier
// snapshot the change line is measured against.
type Data struct {
	Kind     Kind
	Snapshot valuation.Snapshot
	Previous *valuation.Snapshot
	Alerts   []models.Alert
	// Now is used for the market session column; zero means Snapshot.AsOf.
	Now time.Time
}

type allocationRow struct {
	Market models.Market
	Weight float64
	Status utils.MarketStatus
}

type change struct {
	Since time.Time
	Value float64
	Pct   float64
}

type view struct {
	Title       string
	AsOf        time.Time
	Currency    string
	Mixed       bool
	Summary     valuation.Summary
	Risk        valuation.Risk
	Performance valuation.Performance
	Positions   []valuation.PositionValuation
	Allocation  []allocationRow
	Alerts      []models.Alert
	StaleCount  int
	Change      *change
}

var funcs = template.FuncMap{
	"money": formatMoney,
	"pnl": func(amount float64, currency string) string {
		if currency == "" {
			return fmt.Sprintf("%+.2f", amount)
		}
		return utils.FormatPnL(amount, currency)
	},
	"pct":  func(v float64) string { return fmt.Sprintf("%.2f%%", v) },
	"spct": utils.FormatPercent,
	"qty":  utils.FormatQuantity,
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "n/a"
		}
		return t.Format("2006-01-02 15:04 MST")
	},
	"join": strings.Join,
}

var reportTemplate = template.Must(template.New("report.md").Funcs(funcs).ParseFS(templates, "templates/report.md"))

func formatMoney(amount float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return utils.FormatMoney(amount, currency)
}

// Title returns the heading used for a report of the given kind.
func Title(kind Kind, asOf time.Time) string {
	date := asOf.Format("2006-01-02")
	switch kind {
	case KindDaily:
		return "Daily Portfolio Report " + date
	case KindWeekly:
		_, week := asOf.ISOWeek()
		return fmt.Sprintf("Weekly Portfolio Report %d-W%02d", asOf.Year(), week)
	default:
		return "Portfolio Summary"
	}
}

// Markdown renders the report as GitHub-flavoured markdown.
func Markdown(d Data) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, newView(d)); err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return buf.String(), nil
}

func newView(d Data) view {
	snap := d.Snapshot
	v := view{
		Title:       Title(d.Kind, snap.AsOf),
		AsOf:        snap.AsOf,
		Summary:     snap.Summary,
		Risk:        snap.Risk,
		Performance: snap.Performance,
		Positions:   snap.Positions,
		Alerts:      d.Alerts,
		StaleCount:  snap.StaleCount,
	}
	switch len(snap.Summary.Currencies) {
	case 0:
	case 1:
		v.Currency = snap.Summary.Currencies[0]
	default:
		v.Mixed = true
	}

	now := d.Now
	if now.IsZero() {
		now = snap.AsOf
	}
	for m, w := range snap.Allocation {
		v.Allocation = append(v.Allocation, allocationRow{Market: m, Weight: w, Status: utils.GetMarketStatus(m, now)})
	}
	sort.Slice(v.Allocation, func(i, j int) bool {
		if v.Allocation[i].Weight != v.Allocation[j].Weight {
			return v.Allocation[i].Weight > v.Allocation[j].Weight
		}
		return v.Allocation[i].Market < v.Allocation[j].Market
	})

	if d.Previous != nil {
		prev := d.Previous.Summary.TotalValue
		c := &change{Since: d.Previous.AsOf, Value: round2(snap.Summary.TotalValue - prev)}
		if prev != 0 {
			c.Pct = round2(c.Value / prev * 100)
		}
		v.Change = c
	}
	return v
}

func round2(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}

var markdownHTML = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML converts report markdown into an HTML fragment for email bodies.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := markdownHTML.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("converting report to HTML: %w", err)
	}
	return buf.String(), nil
}

// Terminal renders report markdown for a terminal. style is a glamour
// standard style name ("dark", "light", "notty"); empty picks one from the
// terminal background.
func Terminal(markdown, style string, width int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("creating terminal renderer: %w", err)
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return out, nil
}
