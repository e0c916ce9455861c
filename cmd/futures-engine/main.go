// futures-engine runs the paper-trading decision engine against a live
// Binance futures feed, or replays stored candles through it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"futures-enginev1/config"
	"futures-enginev1/internal/app"
	"futures-enginev1/internal/logger"
	sqlitestore "futures-enginev1/internal/store/sqlite"
)

var (
	configPath string
	envPath    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "futures-engine",
		Short:         "Streaming futures paper-trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "Optional .env file with FUTURES_ENGINE_* overrides")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(backtestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	if err := config.LoadEnv(envPath); err != nil {
		return nil, nil, fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the live paper engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			engine, err := app.New(cfg, log)
			if err != nil {
				log.Error("engine init failed", zap.Error(err))
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return engine.Run(ctx)
		},
	}
}

func backtestCmd() *cobra.Command {
	var (
		from    string
		symbols []string
		speed   float64
		dbPath  string
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay stored candles through the engine and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			var start time.Time
			if from != "" {
				if start, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from must be RFC3339: %w", err)
				}
			}
			if dbPath == "" {
				dbPath = cfg.Storage.SQLitePath
			}
			store, err := sqlitestore.New(dbPath, log)
			if err != nil {
				return fmt.Errorf("open candle store: %w", err)
			}
			defer store.Close()

			ctx, stop := signalContext()
			defer stop()
			res, err := app.Backtest(ctx, store, cfg, app.BacktestOptions{
				Symbols: symbols,
				From:    start,
				Speed:   speed,
			}, log)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Replay candles opened at or after this RFC3339 time (default: all)")
	cmd.Flags().StringSliceVarP(&symbols, "symbol", "s", nil, "Symbols to replay (default: configured symbols)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "Playback speed multiplier (0=max, 1=realtime)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database holding the candles (default: storage.sqlite_path)")
	return cmd
}
