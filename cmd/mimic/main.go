// Package main 是 mimic 命令行工具的入口点。
// mimic 是桌面自动化工作流引擎的 CLI 工具，
// 提供录制、回放、调度与历史查询等操作。
package main

import (
	"os"

	"github.com/oriys/mimic/cmd/mimic/cmd"
)

// main 调用 cmd 包的 Execute 函数来解析和执行用户命令。
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
