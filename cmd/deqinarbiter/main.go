// deqinarbiter 运行 arbiter 并提供控制面客户端。
package main

import (
	"os"

	"github.com/spf13/cobra"

	"deqinarbiter/actor"
)

var rootCmd = &cobra.Command{
	Use:          "deqinarbiter",
	Short:        "Actor supervision runtime",
	SilenceUsage: true,
}

// execute 运行根命令并返回退出码。
func execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	// 进程 Backend 以同一个可执行文件启动 Actor。
	if actor.IsChildProcess() {
		os.Exit(actor.RunChildProcess())
	}
	os.Exit(execute())
}
