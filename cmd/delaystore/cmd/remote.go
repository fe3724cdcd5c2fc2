// =============================================================================
// REMOTE COMMANDS - QUERY A RUNNING STORE THROUGH THE ADMIN API
// =============================================================================
//
// USAGE:
//   delaystore stats
//   delaystore segments -o json
//   delaystore health --ready
//   delaystore schedule orders '{"id":42}' --delay 30s
//   delaystore schedule orders payload --at 2026-01-01T00:00:00Z --id order-42
//   delaystore ready --from 120 --limit 20
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/WuJingLearn/rocketmq/internal/api"
)

// =============================================================================
// STATS / SEGMENTS / HEALTH
// =============================================================================

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show service statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		stats, err := client.Stats(ctx)
		if err != nil {
			return err
		}
		return formatter.FormatStats(stats)
	},
}

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "List schedule and dispatch segments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		segs, err := client.Segments(ctx)
		if err != nil {
			return err
		}
		return formatter.FormatSegments(segs)
	},
}

var healthReadyFlag bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check liveness, or readiness with --ready",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		check := client.Health
		if healthReadyFlag {
			check = client.Ready
		}
		health, err := check(ctx)
		if err != nil {
			return err
		}
		return formatter.FormatHealth(health)
	},
}

// =============================================================================
// SCHEDULE
// =============================================================================

var (
	scheduleDelayFlag time.Duration
	scheduleAtFlag    string
	scheduleIDFlag    string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <subject> <payload>",
	Short: "Schedule a message",
	Long: `Schedule a message for later delivery.

--delay goes through the commit log with a DELAY property, the way a broker
write would. --at writes straight to the schedule log; it takes RFC 3339 or
epoch milliseconds.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildScheduleRequest(args[0], args[1], cmd.Flags().Changed("delay"), scheduleDelayFlag, scheduleAtFlag, scheduleIDFlag)
		if err != nil {
			return err
		}

		ctx, cancel := getContext()
		defer cancel()
		resp, err := client.Schedule(ctx, req)
		if err != nil {
			return err
		}
		return formatter.FormatScheduleResult(resp)
	},
}

func init() {
	scheduleCmd.Flags().DurationVar(&scheduleDelayFlag, "delay", 0, "Delay from now (whole seconds)")
	scheduleCmd.Flags().StringVar(&scheduleAtFlag, "at", "", "Absolute schedule time (RFC 3339 or epoch ms)")
	scheduleCmd.Flags().StringVar(&scheduleIDFlag, "id", "", "Message id (generated when empty)")
	healthCmd.Flags().BoolVar(&healthReadyFlag, "ready", false, "Check readiness instead of liveness")
}

func buildScheduleRequest(subject, payload string, hasDelay bool, delay time.Duration, at, id string) (api.ScheduleRequest, error) {
	req := api.ScheduleRequest{Subject: subject, MessageID: id, Payload: payload}
	switch {
	case hasDelay && at != "":
		return req, errors.New("--delay and --at are mutually exclusive")
	case hasDelay:
		if delay < 0 || delay%time.Second != 0 {
			return req, fmt.Errorf("--delay must be a non-negative whole number of seconds, got %s", delay)
		}
		secs := int64(delay / time.Second)
		req.DelaySeconds = &secs
	case at != "":
		ms, err := parseScheduleTime(at)
		if err != nil {
			return req, err
		}
		req.ScheduleTime = &ms
	default:
		return req, errors.New("one of --delay or --at is required")
	}
	return req, nil
}

// parseScheduleTime accepts RFC 3339 or epoch milliseconds.
func parseScheduleTime(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid --at %q: want RFC 3339 or epoch milliseconds", s)
	}
	return t.UnixMilli(), nil
}

// =============================================================================
// READY
// =============================================================================

var (
	readyFromFlag  uint64
	readyLimitFlag int
)

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List re-published messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		resp, err := client.ReadyMessages(ctx, readyFromFlag, readyLimitFlag)
		if err != nil {
			return err
		}
		return formatter.FormatReadyMessages(resp)
	},
}

func init() {
	readyCmd.Flags().Uint64Var(&readyFromFlag, "from", 0, "First sequence to return")
	readyCmd.Flags().IntVar(&readyLimitFlag, "limit", 100, "Maximum messages to return (1..1000)")
}
