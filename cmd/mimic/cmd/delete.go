// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 delete 命令，用于删除工作流。
package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// deleteCmd 删除工作流，回放历史默认保留。
var deleteCmd = &cobra.Command{
	Use:     "delete <workflow>",
	Aliases: []string{"rm"},
	Short:   "Delete a workflow",
	Long: `Delete a workflow and its trigger.

Past run records are kept for auditing; pass --purge to remove them too.
Deletion is refused while a replay of the workflow is in flight.

Examples:
  # Delete with confirmation prompt
  mimic delete fill-report

  # Delete without confirmation
  mimic delete fill-report --force

  # Delete together with all run history
  mimic delete fill-report --purge`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var (
	deleteForce bool // Skip confirmation
	deletePurge bool // Also remove run history
)

// init 注册 delete 命令到根命令。
func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")
	deleteCmd.Flags().BoolVar(&deletePurge, "purge", false, "Also delete the workflow's run history")
}

// runDelete 是 delete 命令的执行函数。
func runDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	if !deleteForce {
		prompt := fmt.Sprintf("Delete workflow %q? [y/N]: ", name)
		if deletePurge {
			prompt = fmt.Sprintf("Delete workflow %q and all of its run history? [y/N]: ", name)
		}
		fmt.Print(prompt)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	client := NewClient()
	if err := client.DeleteWorkflow(name, deletePurge); err != nil {
		return err
	}

	fmt.Printf("Workflow %q deleted\n", name)
	return nil
}
