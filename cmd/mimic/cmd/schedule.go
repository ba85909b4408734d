// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 schedule 与 unschedule 命令，用于管理工作流触发器。
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// scheduleCmd 为工作流挂载 cron 或文件事件触发器。
var scheduleCmd = &cobra.Command{
	Use:   "schedule <workflow>",
	Short: "Attach a trigger to a workflow",
	Long: `Attach a cron or filesystem-event trigger to a workflow.

A workflow can hold at most one active trigger. If a trigger fires
while a replay of the same workflow is still running, the hit is
dropped by default; use --coalesce queue to queue exactly one
follow-up replay instead.

Examples:
  # Replay every weekday at 09:00
  mimic schedule fill-report --cron "0 9 * * 1-5"

  # Replay whenever a directory changes
  mimic schedule import-invoices --on-change /data/invoices

  # Queue one follow-up replay instead of dropping overlapping hits
  mimic schedule fill-report --cron "*/15 * * * *" --coalesce queue`,
	Args: cobra.ExactArgs(1),
	RunE: runSchedule,
}

// unscheduleCmd 卸载工作流的触发器。
var unscheduleCmd = &cobra.Command{
	Use:   "unschedule <workflow>",
	Short: "Remove the trigger from a workflow",
	Long: `Remove the active trigger from a workflow.

Examples:
  mimic unschedule fill-report`,
	Args: cobra.ExactArgs(1),
	RunE: runUnschedule,
}

var (
	scheduleCron     string // Cron expression
	schedulePath     string // Filesystem path for event triggers
	scheduleCoalesce string // Coalesce policy
)

// init 注册 schedule 与 unschedule 命令到根命令。
func init() {
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(unscheduleCmd)
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression (5-field)")
	scheduleCmd.Flags().StringVar(&schedulePath, "on-change", "", "Filesystem path to watch")
	scheduleCmd.Flags().StringVar(&scheduleCoalesce, "coalesce", "", "Overlap policy (drop, queue)")
}

// runSchedule 是 schedule 命令的执行函数。
func runSchedule(cmd *cobra.Command, args []string) error {
	if (scheduleCron == "") == (schedulePath == "") {
		return fmt.Errorf("exactly one of --cron or --on-change is required")
	}

	trig := &Trigger{Enabled: true, Coalesce: scheduleCoalesce}
	if scheduleCron != "" {
		trig.Kind = "cron"
		trig.Expr = scheduleCron
	} else {
		trig.Kind = "event"
		trig.Path = schedulePath
	}

	client := NewClient()
	created, err := client.PutTrigger(args[0], trig)
	if err != nil {
		return err
	}

	switch created.Kind {
	case "cron":
		fmt.Printf("Workflow %s scheduled with cron %q\n", args[0], created.Expr)
	case "event":
		fmt.Printf("Workflow %s will replay on changes to %s\n", args[0], created.Path)
	}
	return nil
}

// runUnschedule 是 unschedule 命令的执行函数。
func runUnschedule(cmd *cobra.Command, args []string) error {
	client := NewClient()
	if err := client.DeleteTrigger(args[0]); err != nil {
		return err
	}
	fmt.Printf("Trigger removed from workflow %s\n", args[0])
	return nil
}
