package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	resumeExchangeFlag string
	resumeUpdateFlag   bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Drain jobs left in the shared queue by a previous run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
		defer stop()

		a, err := buildApp(ctx, resumeExchangeFlag, resumeUpdateFlag)
		if err != nil {
			return err
		}
		defer a.close()
		startReport(ctx)

		return a.orchestrator.Resume(ctx)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVarP(&resumeExchangeFlag, "exchange", "e", "", "Exchange queue to resume (bitfinex, binance, bittrex)")
	resumeCmd.Flags().BoolVarP(&resumeUpdateFlag, "update", "u", false, "Overwrite existing rows instead of skipping them")
	_ = resumeCmd.MarkFlagRequired("exchange")
}
