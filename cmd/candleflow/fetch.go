package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"candleflow/logger"
)

var (
	fetchExchangeFlag string
	fetchSymbolsFlag  []string
	fetchStartFlag    string
	fetchEndFlag      string
	fetchUpdateFlag   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run a candle fetch campaign for one exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseTimeFlag(fetchStartFlag)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		end := time.Now().UTC()
		if fetchEndFlag != "" {
			if end, err = parseTimeFlag(fetchEndFlag); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
		}
		if !start.Before(end) {
			return fmt.Errorf("--start must be before --end")
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
		defer stop()

		a, err := buildApp(ctx, fetchExchangeFlag, fetchUpdateFlag)
		if err != nil {
			return err
		}
		defer a.close()
		startReport(ctx)

		logger.GetLogger().WithFields(logger.Fields{
			"exchange": fetchExchangeFlag,
			"symbols":  len(fetchSymbolsFlag),
			"start":    start.Format(time.RFC3339),
			"end":      end.Format(time.RFC3339),
			"update":   fetchUpdateFlag,
		}).Info("campaign starting")

		return a.orchestrator.Run(ctx, fetchSymbolsFlag, start, end)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchExchangeFlag, "exchange", "e", "", "Exchange to fetch (bitfinex, binance, bittrex)")
	fetchCmd.Flags().StringSliceVarP(&fetchSymbolsFlag, "symbols", "s", nil, "Symbols to fetch (default: full universe)")
	fetchCmd.Flags().StringVar(&fetchStartFlag, "start", "", "Campaign start (RFC3339 or YYYY-MM-DD)")
	fetchCmd.Flags().StringVar(&fetchEndFlag, "end", "", "Campaign end (default: now)")
	fetchCmd.Flags().BoolVarP(&fetchUpdateFlag, "update", "u", false, "Overwrite existing rows instead of skipping them")
	_ = fetchCmd.MarkFlagRequired("exchange")
	_ = fetchCmd.MarkFlagRequired("start")
}

// parseTimeFlag accepts RFC3339 timestamps or bare dates, both UTC.
func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
}
