package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xconfbus/internal/config"
	"github.com/trickstertwo/xconfbus/internal/host"
)

var (
	runConfigPath string
	runWatch      bool
	runDebounce   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Host the bus with the configured windows until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}

		logger := zerolog.Use(zerolog.Config{
			MinLevel:          parseLevel(cfg.Log.Level),
			Console:           cfg.Log.Console,
			ConsoleTimeFormat: time.RFC3339,
		}).With(xlog.Str("app", "xconfbus"))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h, err := host.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Close(cctx); err != nil {
				logger.Warn().Err(err).Msg("shutdown incomplete")
			}
		}()

		if err := h.Seed(ctx, cfg.Seed); err != nil {
			logger.Warn().Err(err).Msg("seeding incomplete")
		}
		if err := h.RequestSync(ctx); err != nil {
			logger.Warn().Err(err).Msg("resync request failed")
		}

		if runWatch && config.FileExists(runConfigPath) {
			w, err := config.NewWatcher(runConfigPath, runDebounce, logger, func() {
				if err := h.Reload(ctx, runConfigPath); err != nil {
					logger.Warn().Err(err).Str("path", runConfigPath).Msg("reload failed")
					return
				}
				logger.Info().Str("path", runConfigPath).Msg("seeds re-broadcast")
			})
			if err != nil {
				return fmt.Errorf("watch %s: %w", runConfigPath, err)
			}
			defer w.Stop()
		}

		logger.Info().Str("config", runConfigPath).Msg("xconfbus running; press Ctrl+C to exit")
		<-ctx.Done()

		m := h.Bus().GetMetrics()
		logger.Info().
			Float64("broadcasts", float64(m.Broadcasts)).
			Float64("sync_requests", float64(m.SyncRequests)).
			Float64("delivered", float64(m.Delivered)).
			Float64("emit_failures", float64(m.EmitFailures)).
			Msg("shutdown")
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "xconfbus.yaml", "path to the YAML config")
	runCmd.Flags().BoolVar(&runWatch, "watch", true, "re-broadcast seeds when the config file changes")
	runCmd.Flags().DurationVar(&runDebounce, "debounce", 100*time.Millisecond, "delay that collapses bursts of file changes")
}

func parseLevel(s string) xlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return xlog.LevelDebug
	case "warn", "warning":
		return xlog.LevelWarn
	case "error":
		return xlog.LevelError
	default:
		return xlog.LevelInfo
	}
}
