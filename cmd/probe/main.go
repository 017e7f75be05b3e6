package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"debugprobe/internal/config"
	"debugprobe/internal/logger"
	"debugprobe/pkg/api"
	"debugprobe/pkg/domain"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "probe",
		Short: "DebugProbe 调试探针演示宿主",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "probe.yaml", "配置文件路径")
	root.AddCommand(runCmd(), hubURLCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "以演示设备身份启动探针，直至收到退出信号",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			l := logger.New(logger.Options{
				Level:   cfg.Log.Level,
				Writers: cfg.Log.Writer,
				Verbose: cfg.Log.Verbose,
			})
			svc, err := api.NewService(cfg, demoDevice(), l)
			if err != nil {
				return err
			}
			if err := svc.Start(); err != nil {
				return err
			}
			defer svc.Stop()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}

func hubURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hub-url <debughub://...>",
		Short: "解析配置链接并打印生效的桥接地址",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := config.ParseHubURL(args[0])
			if err != nil {
				return err
			}
			cfg := config.NewConfig()
			cfg.Hub.Host = ep.Host
			cfg.Hub.Port = ep.Port
			cfg.Hub.Token = ep.Token
			fmt.Println(cfg.BridgeURL())
			return nil
		},
	}
}

func demoDevice() domain.DeviceInfo {
	host, _ := os.Hostname()
	return domain.DeviceInfo{
		DeviceID:   host,
		DeviceName: host,
		Model:      "cli",
		OSName:     "linux",
		AppID:      "debugprobe.demo",
		AppVersion: "1.0.0",
	}
}
