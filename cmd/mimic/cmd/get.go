// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 get 命令，用于查看单个工作流的详情。
package cmd

import (
	"github.com/spf13/cobra"
)

// getCmd 查看工作流详情（含步骤序列）。
var getCmd = &cobra.Command{
	Use:   "get <workflow>",
	Short: "Show workflow details",
	Long: `Show a workflow's definition including its step sequence.

Examples:
  # Show workflow by name
  mimic get fill-report

  # Output as YAML
  mimic get fill-report -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

// init 注册 get 命令到根命令。
func init() {
	rootCmd.AddCommand(getCmd)
}

// runGet 是 get 命令的执行函数。
func runGet(cmd *cobra.Command, args []string) error {
	client := NewClient()
	wf, err := client.GetWorkflow(args[0])
	if err != nil {
		return err
	}

	printer := NewPrinter()
	return printer.PrintWorkflow(wf)
}
