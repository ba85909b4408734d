// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 record 命令，用于录制新工作流。
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// recordCmd 录制一个新工作流。
var recordCmd = &cobra.Command{
	Use:   "record <name>",
	Short: "Record a new workflow",
	Long: `Start a recording session on the daemon. Perform the task once on
your desktop; every click, keystroke and app launch is captured as a
workflow step together with a perceptual fingerprint of its target.

Press Ctrl+C to finish recording and save the workflow. If nothing
was captured, no workflow is created.

Examples:
  mimic record fill-report`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

// init 注册 record 命令到根命令。
func init() {
	rootCmd.AddCommand(recordCmd)
}

// runRecord 是 record 命令的执行函数。
func runRecord(cmd *cobra.Command, args []string) error {
	name := args[0]
	client := NewClient()

	if err := client.StartRecording(name); err != nil {
		return err
	}

	fmt.Printf("Recording %q... perform the task now, press Ctrl+C to finish\n", name)

	// Ctrl+C 结束录制并保存
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	fmt.Println("\nFinishing recording...")
	wf, err := client.StopRecording()
	if err != nil {
		// 空录制时守护进程不保存工作流
		client.AbortRecording()
		return fmt.Errorf("recording not saved: %w", err)
	}

	fmt.Printf("Workflow %q saved with %d steps (id %s)\n", wf.Name, len(wf.Steps), wf.ID)
	return nil
}
