// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 使用 cobra 框架构建命令行接口。
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志变量
var (
	cfgFile   string // 配置文件路径
	apiURL    string // 守护进程地址
	apiKey    string // API 密钥
	outputFmt string // 输出格式（table/json/yaml）
)

// rootCmd 是 CLI 的根命令，所有子命令都挂载在它下面。
var rootCmd = &cobra.Command{
	Use:   "mimic",
	Short: "Mimic - Desktop Workflow Automation CLI",
	Long: `mimic 是桌面自动化工作流引擎的命令行工具。

使用示例:
  # 录制一个新工作流（Ctrl+C 结束录制）
  mimic record fill-report

  # 列出所有工作流
  mimic list

  # 回放工作流
  mimic run fill-report

  # 从断点继续上次部分完成的回放
  mimic run fill-report --resume

  # 每个工作日早上九点自动回放
  mimic schedule fill-report --cron "0 9 * * 1-5"

  # 查看回放历史
  mimic history fill-report`,
}

// Execute 执行根命令，是 CLI 的入口函数。
func Execute() error {
	return rootCmd.Execute()
}

// init 注册全局标志和配置初始化函数。
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.mimic.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "守护进程地址")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "API 密钥")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 按优先级加载配置：命令行标志 > 环境变量 > 配置文件。
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mimic")
	}

	// 环境变量格式：MIMIC_<KEY>，如 MIMIC_API_URL
	viper.SetEnvPrefix("MIMIC")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}
