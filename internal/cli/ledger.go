package cli

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"portfolio-engine/internal/engine"
	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/ledger"
	"portfolio-engine/internal/models"
	"portfolio-engine/pkg/utils"
)

// addLedgerCommands adds the transaction recording and position commands.
func addLedgerCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRecordCmd(app, models.SideBuy))
	rootCmd.AddCommand(newRecordCmd(app, models.SideSell))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newTransactionsCmd(app))
}

// tradeArgs are the parsed positional arguments of record-buy and record-sell.
type tradeArgs struct {
	symbol   string
	market   models.Market
	quantity int64
	price    decimal.Decimal
	fees     decimal.Decimal
	notes    string
}

func parseTradeArgs(cmd *cobra.Command, args []string) (tradeArgs, error) {
	var t tradeArgs
	var err error

	t.symbol = models.NormalizeSymbol(args[0])
	if t.market, err = models.ParseMarket(args[1]); err != nil {
		return t, err
	}
	if t.quantity, err = strconv.ParseInt(args[2], 10, 64); err != nil {
		return t, errors.NewValidationError("quantity", args[2], "not an integer")
	}
	if t.price, err = ParseAmount("price", args[3]); err != nil {
		return t, err
	}
	fees, _ := cmd.Flags().GetString("fees")
	if t.fees, err = ParseAmount("fees", fees); err != nil {
		return t, err
	}
	t.notes, _ = cmd.Flags().GetString("notes")
	return t, nil
}

func newRecordCmd(app *App, side models.Side) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record-" + string(side) + " <symbol> <market> <quantity> <price>",
		Short: "Record a " + string(side) + " transaction",
		Long: `Record a ` + string(side) + ` transaction in the ledger.

The position's weighted-average cost is updated atomically with the
transaction. A sell larger than the held quantity is rejected and leaves
the ledger untouched.`,
		Example: `  portfolio record-` + string(side) + ` AAPL us-equity 10 189.50 --fees 1.00
  portfolio record-` + string(side) + ` 600519 domestic-equity 100 1650 --notes "rebalance"`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			t, err := parseTradeArgs(cmd, args)
			if err != nil {
				output.Error("Invalid transaction: %v", err)
				return err
			}

			return app.withEngine(func(e *engine.Engine) error {
				record := e.RecordBuy
				if side == models.SideSell {
					record = e.RecordSell
				}
				id, err := record(t.symbol, t.market, t.price, t.quantity, t.fees, t.notes)
				if err != nil {
					output.Error("Transaction rejected: %v", err)
					return err
				}

				pos, open := e.Ledger().GetPosition(t.symbol, t.market)
				if output.IsJSON() {
					result := map[string]interface{}{"id": id}
					if open {
						result["position"] = pos
					}
					return output.JSON(result)
				}

				label := output.Green("BUY")
				if side == models.SideSell {
					label = output.Red("SELL")
				}
				currency := t.market.Currency()
				output.Success("✓ Recorded transaction #%d", id)
				output.Printf("  %s %s %s @ %s\n", label, utils.FormatQuantity(t.quantity), t.symbol,
					utils.FormatMoney(t.price.InexactFloat64(), currency))
				if open {
					output.Printf("  Position: %s @ %s (cost %s)\n", utils.FormatQuantity(pos.Quantity),
						utils.FormatMoney(pos.AverageCost.InexactFloat64(), currency),
						utils.FormatMoney(pos.TotalCost.InexactFloat64(), currency))
				} else {
					output.Dim("  Position closed")
				}
				return nil
			})
		},
	}

	cmd.Flags().String("fees", "0", "transaction fees")
	cmd.Flags().String("notes", "", "free-form notes")
	return cmd
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List open positions",
		Long:  "List open positions with cost basis and the last recorded price. No quotes are fetched.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withEngine(func(e *engine.Engine) error {
				positions := e.Positions()
				if output.IsJSON() {
					return output.JSON(positions)
				}
				if len(positions) == 0 {
					output.Info("No open positions")
					return nil
				}

				table := NewTable(output, "SYMBOL", "MARKET", "QTY", "AVG COST", "TOTAL COST", "LAST PRICE", "PRICED")
				for _, p := range positions {
					last, priced := "-", "never"
					if p.HasPrice() {
						last = utils.FormatMoney(p.LastPrice.InexactFloat64(), p.Currency)
						priced = FormatDateTime(p.LastPriceAt)
					}
					table.AddRow(
						p.Symbol,
						string(p.Market),
						utils.FormatQuantity(p.Quantity),
						utils.FormatMoney(p.AverageCost.InexactFloat64(), p.Currency),
						utils.FormatMoney(p.TotalCost.InexactFloat64(), p.Currency),
						last,
						output.DimText(priced),
					)
				}
				table.Render()
				return nil
			})
		},
	}
}

func newTransactionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "Show the transaction log",
		Example: `  portfolio transactions --symbol AAPL --market us-equity
  portfolio transactions --from 2024-01-01 --to 2024-03-31 --side sell`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			filter, err := transactionFilter(cmd)
			if err != nil {
				output.Error("Invalid filter: %v", err)
				return err
			}

			return app.withEngine(func(e *engine.Engine) error {
				var txs []models.Transaction
				for tx := range e.Transactions(filter) {
					txs = append(txs, tx)
				}
				if output.IsJSON() {
					if txs == nil {
						txs = []models.Transaction{}
					}
					return output.JSON(txs)
				}
				if len(txs) == 0 {
					output.Info("No transactions")
					return nil
				}

				table := NewTable(output, "ID", "TIME", "SIDE", "SYMBOL", "MARKET", "QTY", "PRICE", "FEES", "NOTES")
				for _, tx := range txs {
					side := output.Green("BUY")
					if tx.Side == models.SideSell {
						side = output.Red("SELL")
					}
					currency := tx.Market.Currency()
					table.AddRow(
						strconv.FormatInt(tx.ID, 10),
						FormatDateTime(tx.Timestamp),
						side,
						tx.Symbol,
						string(tx.Market),
						utils.FormatQuantity(tx.Quantity),
						utils.FormatMoney(tx.Price.InexactFloat64(), currency),
						utils.FormatMoney(tx.Fees.InexactFloat64(), currency),
						TruncateString(tx.Notes, 30),
					)
				}
				table.Render()
				output.Dim("%d transactions", len(txs))
				return nil
			})
		},
	}

	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().String("market", "", "filter by market")
	cmd.Flags().String("side", "", "filter by side (buy, sell)")
	cmd.Flags().String("from", "", "first day (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().String("to", "", "last day, inclusive (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func transactionFilter(cmd *cobra.Command) (ledger.TransactionFilter, error) {
	var f ledger.TransactionFilter
	var err error

	f.Symbol, _ = cmd.Flags().GetString("symbol")
	if m, _ := cmd.Flags().GetString("market"); m != "" {
		if f.Market, err = models.ParseMarket(m); err != nil {
			return f, err
		}
	}
	switch side, _ := cmd.Flags().GetString("side"); side {
	case "":
	case string(models.SideBuy), string(models.SideSell):
		f.Side = models.Side(side)
	default:
		return f, errors.NewValidationError("side", side, "must be buy or sell")
	}

	from, _ := cmd.Flags().GetString("from")
	if f.From, err = ParseDate(from, time.Local, false); err != nil {
		return f, err
	}
	to, _ := cmd.Flags().GetString("to")
	if f.To, err = ParseDate(to, time.Local, true); err != nil {
		return f, err
	}
	return f, nil
}
