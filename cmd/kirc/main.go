// Package main 为 kirc 命令行入口。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/lk2023060901/kirc-go/application"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "kirc",
		Short: "多会话 IRC 客户端",
		Long: `kirc 从标准输入读取 /connect、/join、/msg 等命令，
同时维护多个 IRC 服务器会话，并以 JSON Lines 的形式把事件写到标准输出。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app := application.New(application.Options{
				ConfigPath: configPath,
				In:         cmd.InOrStdin(),
				Out:        cmd.OutOrStdout(),
			})
			return app.Run(ctx)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径（优先于 KIRC_CONFIG_FILE_PATH）")
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "kirc: %v\n", err)
		os.Exit(1)
	}
}
