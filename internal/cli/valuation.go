package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"portfolio-engine/internal/engine"
	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
	"portfolio-engine/internal/report"
	"portfolio-engine/internal/valuation"
	"portfolio-engine/pkg/utils"
)

// addValuationCommands adds the valuation and report commands.
func addValuationCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newSummaryCmd(app))
	rootCmd.AddCommand(newRunValuationCmd(app))
}

func newSummaryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get-portfolio-summary",
		Aliases: []string{"summary"},
		Short:   "Value the portfolio at current prices",
		Long: `Refresh prices for every open position and print the valuation.

Positions whose quote sources all failed keep their last known price and are
flagged stale. Alerts are evaluated but not dispatched; use run-valuation-now
for that.`,
		Example: `  portfolio get-portfolio-summary
  portfolio get-portfolio-summary --format markdown
  portfolio get-portfolio-summary --format html > report.html`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			format, _ := cmd.Flags().GetString("format")
			if output.IsJSON() {
				format = "json"
			}
			style, _ := cmd.Flags().GetString("style")
			width, _ := cmd.Flags().GetInt("width")

			switch format {
			case "text", "markdown", "html", "json":
			default:
				return errors.NewValidationError("format", format, "must be text, markdown, html or json")
			}

			return app.withEngine(func(e *engine.Engine) error {
				data, err := e.Report(cmd.Context(), report.KindSummary)
				if err != nil {
					return err
				}

				switch format {
				case "json":
					return output.JSON(map[string]interface{}{
						"snapshot": data.Snapshot,
						"alerts":   nonNilAlerts(data.Alerts),
					})
				case "text":
					printSnapshot(output, data.Snapshot)
					printAlerts(output, data.Alerts)
					return nil
				}

				md, err := report.Markdown(data)
				if err != nil {
					return err
				}
				if format == "html" {
					html, err := report.HTML(md)
					if err != nil {
						return err
					}
					output.Println(html)
					return nil
				}
				rendered, err := report.Terminal(md, style, width)
				if err != nil {
					return err
				}
				output.Println(rendered)
				return nil
			})
		},
	}

	cmd.Flags().String("format", "text", "output format: text, markdown, html, json")
	cmd.Flags().String("style", "", "markdown style: dark, light, notty (default: detect)")
	cmd.Flags().Int("width", 100, "markdown word wrap width")
	return cmd
}

func newRunValuationCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run-valuation-now",
		Short: "Run one valuation cycle and dispatch alerts",
		Long: `Refresh prices, value the portfolio, store the snapshot in the history
database and send fired alerts through the notification channels. Alerts
already sent within the cooldown window are suppressed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withEngine(func(e *engine.Engine) error {
				run, err := e.RunValuationNow(cmd.Context())
				if run == nil {
					return err
				}

				if output.IsJSON() {
					if jerr := output.JSON(run); jerr != nil {
						return jerr
					}
					return err
				}

				printSnapshot(output, run.Snapshot)
				printAlerts(output, run.Delivered)
				if n := len(run.Suppressed); n > 0 {
					output.Dim("%d alert(s) suppressed by cooldown", n)
				}
				output.Dim("Run %s", run.ID)
				if err != nil {
					output.Warning("Valuation completed with errors: %v", err)
				}
				return err
			})
		},
	}
}

func nonNilAlerts(a []models.Alert) []models.Alert {
	if a == nil {
		return []models.Alert{}
	}
	return a
}

// snapshotCurrency is the single currency of a snapshot, or "" when mixed.
func snapshotCurrency(s valuation.Snapshot) string {
	if len(s.Summary.Currencies) == 1 {
		return s.Summary.Currencies[0]
	}
	return ""
}

func money(amount float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return utils.FormatMoney(amount, currency)
}

func printSnapshot(output *Output, s valuation.Snapshot) {
	if len(s.Positions) == 0 {
		output.Info("No open positions")
		return
	}
	currency := snapshotCurrency(s)

	output.Bold("Portfolio Summary")
	output.Dim("As of %s", FormatDateTime(s.AsOf))
	output.Printf("  Total Value:   %s\n", money(s.Summary.TotalValue, currency))
	output.Printf("  Total Cost:    %s\n", money(s.Summary.TotalCost, currency))
	output.Printf("  P&L:           %s (%s)\n", output.FormatPnL(s.Summary.PnL, currency), output.FormatPercent(s.Summary.PnLPct))
	output.Printf("  Positions:     %d\n", s.Summary.Positions)
	if currency == "" {
		output.Warning("  Totals mix currencies (%s) without conversion", strings.Join(s.Summary.Currencies, ", "))
	}
	output.Println()

	table := NewTable(output, "SYMBOL", "MARKET", "QTY", "AVG COST", "PRICE", "VALUE", "P&L", "P&L %", "WEIGHT", "PRICE AGE")
	for _, p := range s.Positions {
		age := output.Green("live")
		switch p.Confidence {
		case valuation.ConfidenceLow:
			age = output.Yellow("stale " + FormatDuration(p.StaleFor))
		case valuation.ConfidenceNone:
			age = output.Red("never priced")
		}
		table.AddRow(
			p.Symbol,
			string(p.Market),
			utils.FormatQuantity(p.Quantity),
			utils.FormatMoney(p.AverageCost, p.Currency),
			utils.FormatMoney(p.Price, p.Currency),
			utils.FormatMoney(p.CurrentValue, p.Currency),
			output.FormatPnL(p.PnL, p.Currency),
			output.FormatPercent(p.PnLPct),
			fmt.Sprintf("%.1f%%", p.Weight),
			age,
		)
	}
	table.Render()
	output.Println()

	output.Bold("Allocation")
	markets := make([]models.Market, 0, len(s.Allocation))
	for m := range s.Allocation {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return s.Allocation[markets[i]] > s.Allocation[markets[j]] })
	for _, m := range markets {
		output.Printf("  %-16s %6.1f%%  %s\n", m, s.Allocation[m], output.MarketStatus(utils.GetMarketStatus(m, s.AsOf)))
	}
	output.Println()

	risk := string(s.Risk.Level)
	switch s.Risk.Level {
	case valuation.RiskHigh:
		risk = output.Red(strings.ToUpper(risk))
	case valuation.RiskMedium:
		risk = output.Yellow(strings.ToUpper(risk))
	default:
		risk = output.Green(strings.ToUpper(risk))
	}
	output.Bold("Risk & Performance")
	output.Printf("  Concentration: %.1f%% (%s) %s\n", s.Risk.Concentration, s.Risk.Largest, risk)
	output.Printf("  Win Rate:      %.1f%% (%d up, %d down, %d flat)\n",
		s.Performance.WinRate, s.Performance.Winners, s.Performance.Losers, s.Performance.Flat)
	if s.Performance.ProfitLossRatio > 0 {
		output.Printf("  Profit/Loss:   %.2f\n", s.Performance.ProfitLossRatio)
	}
	if s.StaleCount > 0 {
		output.Warning("  %d position(s) priced from stale data", s.StaleCount)
	}
}

func printAlerts(output *Output, alerts []models.Alert) {
	if len(alerts) == 0 {
		return
	}
	output.Println()
	output.Bold("Alerts")
	for _, a := range alerts {
		output.Printf("  [%s] %s\n", output.Severity(a.Severity), a.Message)
	}
}
