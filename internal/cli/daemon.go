package cli

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portfolio-engine/internal/engine"
	"portfolio-engine/internal/metrics"
	"portfolio-engine/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// addDaemonCommands adds the scheduler commands.
func addDaemonCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newDaemonCmd(app))
	rootCmd.AddCommand(newTasksCmd(app))
}

func newDaemonCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler until interrupted",
		Long: `Run price refresh, valuation and report tasks on their configured schedules
until SIGINT or SIGTERM. When metrics are enabled, /metrics and /healthz are
served on the configured address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return app.withEngine(func(e *engine.Engine) error {
				if err := e.RegisterDefaultTasks(); err != nil {
					return err
				}

				var srv *metrics.Server
				if app.Config.Metrics.Enabled {
					srv = metrics.NewServer(app.Config.Metrics.Addr, e.Metrics(), func() any {
						hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						return e.Health(hctx)
					}, app.Logger)
					srv.Start()
				}

				if err := e.Start(ctx); err != nil {
					return err
				}
				if !output.IsJSON() {
					output.Success("✓ Scheduler running (%d tasks). Press Ctrl+C to stop.", len(e.Scheduler().Tasks()))
				}
				app.Logger.Info().Strs("tasks", e.Scheduler().Tasks()).Msg("Daemon started")

				<-ctx.Done()
				app.Logger.Info().Msg("Shutting down")

				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err := e.Stop(sctx)
				if srv != nil {
					if serr := srv.Stop(sctx); serr != nil && err == nil {
						err = serr
					}
				}
				return err
			})
		},
	}
}

func newTasksCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and trigger scheduled tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks and their next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withEngine(func(e *engine.Engine) error {
				if err := e.RegisterDefaultTasks(); err != nil {
					return err
				}
				status := e.Scheduler().Status()
				if output.IsJSON() {
					return output.JSON(status)
				}
				printTaskStatus(output, status)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <task>",
		Short: "Run a task once, immediately",
		Example: `  portfolio tasks run price_refresh
  portfolio tasks run weekly_report`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withEngine(func(e *engine.Engine) error {
				if err := e.RegisterDefaultTasks(); err != nil {
					return err
				}
				start := time.Now()
				if err := e.Scheduler().RunNow(cmd.Context(), args[0]); err != nil {
					output.Error("Task %s failed: %v", args[0], err)
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]string{"task": args[0], "status": "ok"})
				}
				output.Success("✓ %s completed in %s", args[0], FormatDuration(time.Since(start)))
				return nil
			})
		},
	})

	return cmd
}

func printTaskStatus(output *Output, status []scheduler.TaskStatus) {
	table := NewTable(output, "TASK", "SCHEDULE", "NEXT RUN", "LAST RUN", "RUNS", "FAILURES", "LAST ERROR")
	for _, s := range status {
		lastErr := "-"
		if s.LastError != "" {
			lastErr = output.Red(TruncateString(s.LastError, 40))
		}
		table.AddRow(
			s.Name,
			s.Schedule,
			FormatDateTime(s.NextRun),
			FormatDateTime(s.LastRun),
			strconv.FormatInt(s.Runs, 10),
			strconv.FormatInt(s.Failures, 10),
			lastErr,
		)
	}
	table.Render()
}
