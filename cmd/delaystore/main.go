// =============================================================================
// DELAYSTORE - DURABLE DELAYED-MESSAGE STORE
// =============================================================================
//
// One binary for running and operating the store:
//
//   delaystore serve                      Run the store with its admin API
//   delaystore stats | segments | health  Query a running store
//   delaystore schedule | ready           Submit and read back messages
//   delaystore inspect schedule|dispatch  Validate log files offline
//   delaystore checkpoint show            Decode a saved checkpoint
//   delaystore config show|validate       Effective configuration
//   delaystore version                    Build information
//
// USAGE EXAMPLES:
//   # Run with a config file, overriding the data directory
//   DELAYSTORE_STORE_BASE_DIR=/var/lib/delaystore delaystore serve -c delaystore.yaml
//
//   # Schedule a message 30 seconds out
//   delaystore schedule orders '{"id":42}' --delay 30s
//
//   # Check a stopped store's files before restarting it
//   delaystore inspect schedule /var/lib/delaystore/schedule_log
//
// =============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/WuJingLearn/rocketmq/cmd/delaystore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
