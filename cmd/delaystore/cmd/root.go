// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --config, -c    Config file for serve, inspect and checkpoint
//   --server, -s    Admin API URL (env: DELAYSTORE_SERVER)
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout in seconds (default: 30)
//   --insecure      Skip TLS verification (self-signed admin certificates)
//
// =============================================================================

package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/WuJingLearn/rocketmq/internal/cli"
	"github.com/WuJingLearn/rocketmq/internal/config"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	// Global flags
	configFlag   string
	serverFlag   string
	outputFlag   string
	timeoutFlag  int
	insecureFlag bool

	// Shared instances
	client    *cli.Client
	formatter *cli.Formatter
)

// EnvServer overrides the default admin API URL.
const EnvServer = config.EnvPrefix + "SERVER"

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "delaystore",
	Short: "Durable delayed-message store",
	Long: `delaystore - Holds messages until their scheduled time, then re-publishes them.

Messages are kept in time-bucketed schedule log segments. A timing wheel
fires them when due and a dispatch log records every re-publish, so a
restart never loses or duplicates a due message.

Use "delaystore [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Config file (YAML); defaults apply when empty or missing")
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"Admin API URL (env: "+EnvServer+")")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 30,
		"Request timeout in seconds")
	rootCmd.PersistentFlags().BoolVar(&insecureFlag, "insecure", false,
		"Skip TLS certificate verification")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(readyCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeClient sets up the HTTP client and formatter before any command.
func initializeClient(cmd *cobra.Command, args []string) error {
	client = cli.NewClient(cli.ClientConfig{
		ServerURL:          resolveServer(serverFlag),
		Timeout:            time.Duration(timeoutFlag) * time.Second,
		InsecureSkipVerify: insecureFlag,
	})

	outputFormat, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(outputFormat)
	return nil
}

// resolveServer picks the admin URL: flag, then environment, then default.
func resolveServer(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvServer); env != "" {
		return env
	}
	return cli.DefaultClientConfig().ServerURL
}

// loadConfig reads --config, applies environment overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getContext returns a context with timeout for API calls.
func getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(timeoutFlag)*time.Second)
}
