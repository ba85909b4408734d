// Package desktop 封装了对本机桌面的输入合成与屏幕捕获。
package desktop

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// defaultAppPaths 是各平台内置的应用名称到启动路径的映射表。
// 配置文件中的 automation.app_paths 可以覆盖或补充这些条目。
var defaultAppPaths = map[string]map[string]string{
	"darwin": {
		"safari":   "/Applications/Safari.app",
		"chrome":   "/Applications/Google Chrome.app",
		"firefox":  "/Applications/Firefox.app",
		"finder":   "/System/Library/CoreServices/Finder.app",
		"notes":    "/System/Applications/Notes.app",
		"terminal": "/System/Applications/Utilities/Terminal.app",
		"textedit": "/System/Applications/TextEdit.app",
	},
	"windows": {
		"chrome":   `C:\Program Files\Google\Chrome\Application\chrome.exe`,
		"firefox":  `C:\Program Files\Mozilla Firefox\firefox.exe`,
		"notepad":  "notepad.exe",
		"explorer": "explorer.exe",
		"cmd":      "cmd.exe",
	},
	"linux": {
		"chrome":   "google-chrome",
		"firefox":  "firefox",
		"nautilus": "nautilus",
		"gedit":    "gedit",
		"terminal": "gnome-terminal",
	},
}

// defaultAppAliases 是常见口语别名到规范应用名的映射表。
var defaultAppAliases = map[string]string{
	"browser":      "chrome",
	"google":       "chrome",
	"web":          "chrome",
	"files":        "finder",
	"file manager": "finder",
	"editor":       "textedit",
	"text":         "textedit",
	"shell":        "terminal",
	"console":      "terminal",
}

// ResolveApp 将用户给出的应用名解析为启动路径。
// 解析顺序：配置别名 → 内置别名 → 配置路径表 → 内置路径表。
// 全部未命中时原样返回名称，交由系统启动器解析。
func ResolveApp(name string, paths, aliases map[string]string) string {
	key := strings.ToLower(strings.TrimSpace(name))

	if canonical, ok := aliases[key]; ok {
		key = strings.ToLower(canonical)
	} else if canonical, ok := defaultAppAliases[key]; ok {
		key = canonical
	}

	if path, ok := paths[key]; ok {
		return path
	}
	if platform, ok := defaultAppPaths[runtime.GOOS]; ok {
		if path, ok := platform[key]; ok {
			return path
		}
	}
	return name
}

// launchCommand 构造各平台的应用启动命令。
func launchCommand(path string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", "-a", path)
	case "windows":
		return exec.Command("cmd", "/c", "start", "", path)
	default:
		return exec.Command(path)
	}
}

// activateCommand 构造将已运行应用带到前台的命令（仅 macOS 有系统级方案）。
func activateCommand(appName string) *exec.Cmd {
	if runtime.GOOS != "darwin" {
		return nil
	}
	script := fmt.Sprintf(`tell application %q to activate`, appName)
	return exec.Command("osascript", "-e", script)
}
