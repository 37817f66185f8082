package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/config"
	"github.com/richardliu001/rgs-wallet-gateway/internal/logger"
	"github.com/richardliu001/rgs-wallet-gateway/internal/operator"
	"github.com/richardliu001/rgs-wallet-gateway/internal/reconcile"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

// errMismatches makes the process exit non-zero without printing an error.
var errMismatches = errors.New("reconciliation found mismatches")

func main() {
	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errMismatches) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "reconcile [start-date end-date]",
		Short: "Compare the gateway ledger with the operator's transaction history",
		Long: `Reconciles every transaction between start-date 00:00 and end-date 23:59:59.999 UTC
(YYYY-MM-DD). Without arguments the previous UTC day is checked. A CSV of mismatches
and a summary are written to the configured output directory; the command exits 1
when any mismatch is found.`,
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseRange(args, time.Now())
			if err != nil {
				return err
			}
			return run(cmd.Context(), configPath, start, end)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "path to the yaml config")
	return cmd
}

// parseRange turns the optional positional dates into an inclusive UTC range.
func parseRange(args []string, now time.Time) (time.Time, time.Time, error) {
	switch len(args) {
	case 0:
		start, end := reconcile.Yesterday(now)
		return start, end, nil
	case 2:
		start, err := time.ParseInLocation(dateLayout, args[0], time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q, use YYYY-MM-DD", args[0])
		}
		endDay, err := time.ParseInLocation(dateLayout, args[1], time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q, use YYYY-MM-DD", args[1])
		}
		end := endDay.Add(24*time.Hour - time.Millisecond)
		if end.Before(start) {
			return time.Time{}, time.Time{}, errors.New("end date is before start date")
		}
		return start, end, nil
	}
	return time.Time{}, time.Time{}, errors.New("pass both start and end dates, or neither")
}

func run(ctx context.Context, configPath string, start, end time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLoggerWithLevel(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	ledger := repo.NewRepository(gdb, nil, cfg.Redis.ResponseTTL, log)
	op := operator.NewClient(operator.Options{
		BaseURL:     cfg.Operator.BaseURL,
		APIKey:      cfg.Operator.APIKey,
		Timeout:     cfg.Operator.Timeout,
		MaxAttempts: cfg.Operator.MaxAttempts,
		RetryDelays: cfg.Operator.RetryDelays,
	}, log)

	fmt.Printf("Starting reconciliation...\n  Date Range: %s to %s\n\n",
		start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))

	rep, err := reconcile.NewReconciler(ledger, op, cfg.Reconciliation.FetchLimit, log).Reconcile(ctx, start, end)
	if err != nil {
		return err
	}
	csvPath, summaryPath, err := reconcile.WriteFiles(cfg.Reconciliation.OutputPath, rep)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	fmt.Print(reconcile.Summary(rep, csvPath))
	fmt.Printf("Summary saved to: %s\n", summaryPath)
	if !rep.Passed() {
		return errMismatches
	}
	return nil
}
