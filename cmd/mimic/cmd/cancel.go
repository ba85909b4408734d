// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 cancel 命令，用于取消进行中的回放。
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// cancelCmd 取消进行中的回放。
var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an in-flight run",
	Long: `Cancel an in-flight run. The run is recorded as aborted and the
workflow becomes available for new replays.

Examples:
  mimic cancel 4f7c2a18-...`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

// init 注册 cancel 命令到根命令。
func init() {
	rootCmd.AddCommand(cancelCmd)
}

// runCancel 是 cancel 命令的执行函数。
func runCancel(cmd *cobra.Command, args []string) error {
	client := NewClient()
	if err := client.CancelRun(args[0]); err != nil {
		return err
	}
	fmt.Printf("Run %s cancelling\n", args[0])
	return nil
}
