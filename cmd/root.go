package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/echoflow/gateway/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "echoflowd",
	Short: "Echoflow AI gateway",
	Long:  "Echoflow AI gateway: routes chat-completion requests across platform and user-provided upstream keys with budget enforcement and streaming.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print echoflowd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("echoflowd"))
		},
	})
}
