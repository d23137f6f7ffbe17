// Package cli provides the command-line interface for the portfolio engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"portfolio-engine/internal/config"
	"portfolio-engine/internal/engine"
	"portfolio-engine/internal/logging"
	"portfolio-engine/internal/security"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-03-01"
)

// App holds the application dependencies. Config is loaded once the global
// flags are parsed; the engine is opened per command.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	configDir  string
	loggerSet  bool
	engineOpts []engine.Option
}

// Option configures the App.
type Option func(*App)

// WithLogger uses logger instead of one built from the logging config.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) {
		a.Logger = logger
		a.loggerSet = true
	}
}

// WithEngineOptions passes extra options to every engine the CLI opens.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(opts ...Option) *cobra.Command {
	app := &App{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(app)
	}

	rootCmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Portfolio ledger and valuation engine",
		Long: `Portfolio records buy and sell transactions, keeps weighted-average cost
positions, refreshes prices through a chain of quote sources and values the
portfolio on a schedule, raising alerts and periodic reports.

Markets: domestic-equity, us-equity, hk-equity, fund.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return app.init(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&app.configDir, "config", "", "config directory (default: ~/.config/portfolio-engine)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addLedgerCommands(rootCmd, app)
	addValuationCommands(rootCmd, app)
	addDaemonCommands(rootCmd, app)

	return rootCmd
}

func (app *App) init(cmd *cobra.Command) error {
	cfg, err := config.Load(app.configDir)
	if err != nil {
		return err
	}
	app.Config = cfg

	debug, _ := cmd.Flags().GetBool("debug")
	if !app.loggerSet {
		lc := logging.LogConfig{
			Level:      cfg.Logging.Level,
			Console:    cfg.Logging.Console,
			File:       cfg.Logging.File,
			FilePath:   cfg.Logging.FilePath,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge,
		}
		// One-shot commands keep the terminal for their own output.
		if cmd.Name() != "daemon" && !debug {
			lc.Level = "warn"
		}
		app.Logger = logging.NewLoggerWithConfig(lc)
	}
	if debug {
		logging.SetDebugLevel()
		app.Logger = app.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

// withEngine opens the engine for the duration of fn.
func (app *App) withEngine(fn func(e *engine.Engine) error) (err error) {
	e, err := engine.New(app.Config, app.Logger, app.engineOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(e)
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Portfolio Engine v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				redacted, err := security.RedactJSON(app.Config)
				if err != nil {
					return err
				}
				return output.JSON(redacted)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir := app.configDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Ledger")
	output.Printf("  Data Dir:        %s\n", cfg.Ledger.DataDir)
	output.Printf("  History DB:      %s\n", cfg.Store.HistoryDB)
	output.Println()

	output.Bold("Quotes")
	output.Printf("  Cache TTL:       %s\n", cfg.Quotes.CacheTTL)
	output.Printf("  Source Timeout:  %s\n", cfg.Quotes.SourceTimeout)
	output.Printf("  Workers:         %d\n", cfg.Quotes.Workers)
	for market, sources := range cfg.Quotes.Sources {
		output.Printf("  %-16s %v\n", market+":", sources)
	}
	if cfg.Quotes.RedisAddr != "" {
		output.Printf("  Redis:           %s/%d\n", cfg.Quotes.RedisAddr, cfg.Quotes.RedisDB)
	}
	output.Println()

	output.Bold("Scheduler")
	output.Printf("  Price Refresh:   every %s\n", cfg.Scheduler.PriceRefreshInterval)
	output.Printf("  Valuation:       every %s\n", cfg.Scheduler.ValuationInterval)
	output.Printf("  Daily Report:    %s\n", cfg.Scheduler.DailyReportAt)
	output.Printf("  Weekly Report:   %s %s\n", cfg.Scheduler.WeeklyReportDay, cfg.Scheduler.WeeklyReportAt)
	output.Printf("  Alert Cooldown:  %s\n", cfg.Scheduler.AlertCooldown)
	output.Println()

	output.Bold("Alerts")
	output.Printf("  Swing:           %.1f%% / %.1f%% / %.1f%%\n", cfg.Alerts.SwingLow, cfg.Alerts.SwingMedium, cfg.Alerts.SwingHigh)
	output.Printf("  Sell Score:      %.0f (strong %.0f)\n", cfg.Alerts.SellScore, cfg.Alerts.StrongSellScore)
	output.Printf("  Stale After:     %s\n", cfg.Valuation.StaleAfter)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:         %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Email:           %v\n", cfg.Notifications.Email.Enabled)
	output.Println()

	output.Bold("Scoring")
	output.Printf("  Enabled:         %v\n", cfg.Scoring.Enabled)
	output.Printf("  Model:           %s\n", cfg.Scoring.Model)
	output.Printf("  Metrics:         %v (%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)
}
