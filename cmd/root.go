package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"formdesk-server/api"
	"formdesk-server/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "formdesk-server",
	Short: "Form builder session server",
	PreRun: func(cmd *cobra.Command, args []string) {
		logLevel.Set(slog.LevelDebug)
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
		config.InitConfig(configPath)
		logLevel.Set(config.C.SlogLevel())
	},
	Run: func(cmd *cobra.Command, args []string) {
		api.Serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML config file")
	rootCmd.AddCommand(renderCmd)
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("failed to execute root command", "err", err)
		os.Exit(1)
	}
}
