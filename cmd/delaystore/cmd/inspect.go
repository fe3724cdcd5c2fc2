// =============================================================================
// INSPECT / CHECKPOINT COMMANDS - OFFLINE TOOLS
// =============================================================================
//
// Both work on the files of a stopped store (or a copy) and never modify them.
// Directories default to the ones the config would use.
//
//   delaystore inspect schedule [dir]
//   delaystore inspect dispatch [dir]
//   delaystore checkpoint show [dir]
//
// =============================================================================

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/WuJingLearn/rocketmq/internal/checkpoint"
	"github.com/WuJingLearn/rocketmq/internal/delay"
	"github.com/WuJingLearn/rocketmq/internal/storage"
)

// =============================================================================
// INSPECT
// =============================================================================

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Validate log segment files without opening the store",
}

var inspectLimitFlag int

var inspectScheduleCmd = &cobra.Command{
	Use:   "schedule [dir]",
	Short: "Validate schedule log segments",
	Long: `Walk every schedule log segment and report how much of it is valid.

TORN is the number of trailing bytes the next startup would truncate.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.ScheduleLogDir()
		if len(args) == 1 {
			dir = args[0]
		}
		limit := cfg.Store.SingleMessageLimit
		if inspectLimitFlag > 0 {
			limit = inspectLimitFlag
		}

		reports, err := storage.InspectScheduleDir(dir, limit, offlineLogger())
		if err != nil {
			return err
		}
		return formatter.FormatSegmentReports(reports)
	},
}

var inspectDispatchCmd = &cobra.Command{
	Use:   "dispatch [dir]",
	Short: "Validate dispatch log segments",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.DispatchLogDir()
		if len(args) == 1 {
			dir = args[0]
		}

		reports, err := storage.InspectDispatchDir(dir, offlineLogger())
		if err != nil {
			return err
		}
		return formatter.FormatSegmentReports(reports)
	},
}

// =============================================================================
// CHECKPOINT
// =============================================================================

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Read the recovery checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show [dir]",
	Short: "Decode the saved checkpoint",
	Long: `Decode the checkpoint the store would recover from, falling back to the
backup copy like startup does. Compressed and plain checkpoints are both read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.CheckpointDir()
		if len(args) == 1 {
			dir = args[0]
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("checkpoint directory: %w", err)
		}

		store, err := checkpoint.NewStore[delay.Checkpoint](checkpoint.Config{
			Dir:    dir,
			Name:   delay.CheckpointName,
			Logger: offlineLogger(),
		}, delay.NewCheckpointSerde(true))
		if err != nil {
			return err
		}
		cp, found, err := store.Load()
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no checkpoint in %s", dir)
		}
		return formatter.FormatCheckpoint(&cp)
	},
}

func init() {
	inspectScheduleCmd.Flags().IntVar(&inspectLimitFlag, "message-limit", 0,
		"Largest valid record in bytes (default: store.single_message_limit)")
	inspectCmd.AddCommand(inspectScheduleCmd)
	inspectCmd.AddCommand(inspectDispatchCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
}

// offlineLogger reports skipped files and fallbacks on stderr at warn level
// so table output on stdout stays clean.
func offlineLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
