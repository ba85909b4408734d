// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现 watch 命令，通过 WebSocket 实时跟踪回放进度。
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// watchCmd 实时跟踪一次回放的逐步骤进度。
var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream live progress of a run",
	Long: `Stream step-by-step progress of an in-flight run over WebSocket.

The connection closes automatically when the run reaches a terminal
state (completed, partially-completed or aborted).

Examples:
  mimic watch 4f7c2a18-...`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// init 注册 watch 命令到根命令。
func init() {
	rootCmd.AddCommand(watchCmd)
}

// runWatch 是 watch 命令的执行函数。
func runWatch(cmd *cobra.Command, args []string) error {
	return watchRun(args[0])
}

// watchUpdate 是守护进程推送的单条进度消息。
type watchUpdate struct {
	RunID  string       `json:"run_id"`
	Step   *StepOutcome `json:"step,omitempty"`
	Status string       `json:"status,omitempty"`
	Done   bool         `json:"done"`
}

// watchRun 连接守护进程的 watch 端点并打印进度，直到回放结束。
func watchRun(runID string) error {
	client := NewClient()

	wsURL := strings.Replace(client.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/api/v1/runs/" + runID + "/watch"

	header := http.Header{}
	if client.apiKey != "" {
		header.Set("X-API-Key", client.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("watch connection failed: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("watch connection failed: %w", err)
	}
	defer conn.Close()

	// 第一条消息是回放快照
	var snapshot Run
	if err := conn.ReadJSON(&snapshot); err != nil {
		return fmt.Errorf("failed to read run snapshot: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Watching run %s (%s, %d steps done)\n",
		snapshot.ID, snapshot.Status, len(snapshot.StepOutcomes))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch stream error: %w", err)
		}

		var u watchUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			continue
		}

		if u.Step != nil {
			detail := ""
			if u.Step.Error != "" {
				detail = " - " + u.Step.Error
			}
			fmt.Fprintf(os.Stdout, "  step %d %s: %s (attempts %d)%s\n",
				u.Step.Index, u.Step.Kind, u.Step.Outcome, u.Step.Attempts, detail)
		}
		if u.Done {
			fmt.Fprintf(os.Stdout, "Run %s: %s\n", runID, u.Status)
			return nil
		}
	}
}
