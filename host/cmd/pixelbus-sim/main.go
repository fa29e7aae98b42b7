package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"pixelbus/config"
	"pixelbus/logging"
	"pixelbus/protocol"
)

// rootCmd runs the synthetic workload against simulated controllers
var rootCmd = &cobra.Command{
	Use:          "pixelbus-sim",
	Short:        "Stream synthetic LED frames through the dispatcher",
	Long:         `Builds the engines described by the configuration file on simulated controllers and streams frames of synthetic strip data through the dispatcher, then prints routing and engine statistics.`,
	Version:      protocol.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := logging.NewFromString(os.Stderr, cfg.LogLevel)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		rep, err := run(ctx, cfg, log)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), rep)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "TOML configuration file (built-in defaults when empty)")
	flags.String("log-level", logging.DefaultLevel, "Logging level (debug, info, warn, error)")
	flags.IntP("frames", "n", 0, "Frames to stream (overrides the file)")
	rootCmd.Flags().Int("lanes", 0, "Lanes of every clockless engine (overrides the file)")
	rootCmd.Flags().Bool("fall-through", false, "Offer rejected requests to the next engine")

	rootCmd.AddCommand(bridgeCmd)
}

// loadConfig reads the file named by --config, or the defaults, and lets
// flags the user set override it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = config.Load(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := config.ApplyFlags(cfg, cmd.Flags()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
