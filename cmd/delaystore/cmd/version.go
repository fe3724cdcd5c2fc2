// =============================================================================
// VERSION COMMAND - SHOW VERSION INFORMATION
// =============================================================================

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/WuJingLearn/rocketmq/internal/api"
)

var versionServerFlag bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version, build commit and build date. With --server-info the
running store is asked for its version too.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !versionServerFlag {
			fmt.Printf("delaystore version %s\n", api.Version)
			fmt.Printf("  Commit:     %s\n", api.GitCommit)
			fmt.Printf("  Build Date: %s\n", api.BuildTime)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		}

		ctx, cancel := getContext()
		defer cancel()
		info, err := client.Version(ctx)
		if err != nil {
			return err
		}
		info.ClientVersion = api.Version
		return formatter.FormatVersion(info)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionServerFlag, "server-info", false, "Also query the server version")
}
