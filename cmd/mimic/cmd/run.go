// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 run 命令，用于启动工作流回放。
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// runCmd 启动一次工作流回放。
var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Replay a workflow",
	Long: `Start a replay of a saved workflow.

By default the replay runs in background mode on a separate desktop
surface when the platform supports it, keeping your session usable.
Use --mode foreground to replay on the active desktop instead.

Examples:
  # Replay in background mode
  mimic run fill-report

  # Replay on the active desktop
  mimic run fill-report --mode foreground

  # Resume the last partially-completed run from its breakpoint
  mimic run fill-report --resume

  # Start and stream progress until the run finishes
  mimic run fill-report --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runMode   string // Execution mode
	runResume bool   // Resume from breakpoint
	runFollow bool   // Stream progress
)

// init 注册 run 命令到根命令。
func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "Execution mode (background, foreground)")
	runCmd.Flags().BoolVarP(&runResume, "resume", "r", false, "Resume the last partially-completed run")
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "Stream progress until the run finishes")
}

// runRun 是 run 命令的执行函数。
func runRun(cmd *cobra.Command, args []string) error {
	client := NewClient()
	run, err := client.StartRun(args[0], &StartRunRequest{
		Mode:   runMode,
		Resume: runResume,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Run %s started for workflow %s (v%d)\n", run.ID, run.WorkflowName, run.WorkflowVersion)

	if runFollow {
		return watchRun(run.ID)
	}
	fmt.Printf("Follow progress with: mimic watch %s\n", run.ID)
	return nil
}
