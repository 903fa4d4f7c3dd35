package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"candleflow/config"
	"candleflow/logger"
)

var (
	configFlag string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "candleflow",
	Short: "Resilient OHLCV candle fetcher",
	Long: `candleflow ingests 1-minute OHLCV candles from public exchange REST
APIs into PostgreSQL, with rate limits and job queues shared across
worker processes through Redis.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log := logger.GetLogger()

		// Load environment variables from .env if present
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Error loading .env file")
		}

		var err error
		cfg, err = config.LoadConfig(configFlag)
		if err != nil {
			return err
		}
		if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
			return err
		}
		if cfg.Logging.DashboardName != "" {
			logger.InitCloudWatch(os.Getenv("AWS_REGION"), cfg.Candleflow.Name, cfg.Logging.DashboardName)
		}

		log.WithFields(logger.Fields{
			"service": cfg.Candleflow.Name,
			"version": cfg.Candleflow.Version,
			"env":     config.AppEnvironment(),
		}).Info("starting candleflow")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "config/config.yml", "Path to configuration file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.GetLogger().WithError(err).Error("command failed")
		os.Exit(1)
	}
}
