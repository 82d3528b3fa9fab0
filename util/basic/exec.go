package basic

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/go-cmd/cmd"
)

var commandNameWithGOOS = map[string]string{
	"windows": "cmd.exe",
	"linux":   "bash",
}

var commandArgsWithGOOS = map[string][]string{
	"windows": {"/C"},
	"linux":   {"-c"},
}

func commandName(os_ string) string {
	value, ok := commandNameWithGOOS[os_]
	if !ok {
		value = "bash"
	}
	return value
}

func commandArgs(os_ string) []string {
	value, ok := commandArgsWithGOOS[os_]
	if !ok {
		value = []string{}
	}
	return value
}

// ExecV1 以系统shell执行一条命令并等待其退出.
// 用于调用lsblk等系统工具以补充设备信息, 调用方自行根据returnCode判定成败.
func ExecV1(format string, formatArgs ...any) (returnCode int, out, errOut string) {
	args := make([]string, 0)
	args = append(args, commandArgs(runtime.GOOS)...)
	args = append(args, fmt.Sprintf(format, formatArgs...))

	c := cmd.NewCmd(commandName(runtime.GOOS), args...)
	status := <-c.Start()
	returnCode = status.Exit
	if len(status.Stdout) != 0 {
		out = strings.Join(status.Stdout, "\n")
	}
	if len(status.Stderr) != 0 {
		errOut = strings.Join(status.Stderr, "\n")
	}
	return returnCode, out, errOut
}
