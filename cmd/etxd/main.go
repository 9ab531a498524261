package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/app"
	"github.com/etx-iot/etx/internal/config"
	"github.com/etx-iot/etx/internal/logger"
)

const exitConfig = 2

func main() {
	root := &cobra.Command{
		Use:           "etxd",
		Short:         "etx ingest agent: UDP ingress, MQTT fan-out, command dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "etxd: %v\n", err)
				os.Exit(exitConfig)
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				fmt.Fprintf(os.Stderr, "etxd: %v\n", err)
				os.Exit(exitConfig)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			logger.Info("etxd starting",
				"udp_port", cfg.UDPListenPort,
				"broker", fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort),
				"agent_id", cfg.AgentID)
			return a.Run(ctx)
		},
	}
	root.Flags().String("config", "etx.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "etxd: %v\n", err)
		os.Exit(1)
	}
}
