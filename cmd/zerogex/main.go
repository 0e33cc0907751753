package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zerogex/zerogex/internal/config"
	"github.com/zerogex/zerogex/internal/signalutil"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

// setupLogger builds the process logger: console always, plus a
// rotating file sink when logging.enabled is set.
func setupLogger(verbose bool, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if logCfg != nil && logCfg.Level != "" {
		if err := level.UnmarshalText([]byte(logCfg.Level)); err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	var encCfg zapcore.EncoderConfig
	if verbose {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	if logCfg != nil && logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(logCfg.Directory, "zerogex.log"),
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores,
			zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "zerogex",
		Short: "Equity option market data ingestion and GEX analytics",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				var err error
				logger, err = setupLogger(verbose, nil)
				return err
			}

			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}

			logger, err = setupLogger(verbose, &cfg.Logging)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("ZEROGEX_CONFIG"), "config file path (or set ZEROGEX_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(statusCmd())

	// First signal cancels the context for a graceful flush; a second
	// one force-exits.
	ctx, cancel := signalutil.NotifyTwice(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
