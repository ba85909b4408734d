// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 history 命令，用于查看工作流的回放历史。
package cmd

import (
	"github.com/spf13/cobra"
)

// historyCmd 查看工作流的回放历史（新到旧）。
var historyCmd = &cobra.Command{
	Use:   "history <workflow>",
	Short: "Show replay history of a workflow",
	Long: `Show past runs of a workflow, newest first.

Each entry records the workflow version it replayed, the trigger
source, the terminal status and per-step outcomes.

Examples:
  # Last 20 runs
  mimic history fill-report

  # Show a specific run with step-level detail
  mimic history fill-report --run 4f7c2a18-...`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var (
	historyLimit int    // Maximum entries
	historyRunID string // Show a single run
)

// init 注册 history 命令到根命令。
func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to show")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Show step-level detail of a single run")
}

// runHistory 是 history 命令的执行函数。
func runHistory(cmd *cobra.Command, args []string) error {
	client := NewClient()
	printer := NewPrinter()

	if historyRunID != "" {
		run, err := client.GetRun(historyRunID)
		if err != nil {
			return err
		}
		return printer.PrintRun(run)
	}

	runs, err := client.ListRuns(args[0], historyLimit)
	if err != nil {
		return err
	}
	return printer.PrintRuns(runs)
}
