// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 list 命令，用于列出已保存的工作流。
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

// listCmd 列出已保存的工作流，支持 ls 作为别名。
var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved workflows",
	Long: `List all workflows saved in the daemon.

Examples:
  # List all workflows
  mimic list

  # Output as JSON
  mimic list -o json`,
	RunE: runList,
}

var listSearch string // Search query

// init 注册 list 命令到根命令。
func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listSearch, "search", "q", "", "Filter by name or description")
}

// runList 是 list 命令的执行函数。
func runList(cmd *cobra.Command, args []string) error {
	client := NewClient()
	workflows, err := client.ListWorkflows()
	if err != nil {
		return err
	}

	if listSearch != "" {
		query := strings.ToLower(listSearch)
		filtered := make([]Workflow, 0, len(workflows))
		for _, wf := range workflows {
			if strings.Contains(strings.ToLower(wf.Name), query) ||
				strings.Contains(strings.ToLower(wf.Description), query) {
				filtered = append(filtered, wf)
			}
		}
		workflows = filtered
	}

	printer := NewPrinter()
	return printer.PrintWorkflows(workflows)
}
