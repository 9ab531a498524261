package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/bridge"
	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/config"
	"github.com/etx-iot/etx/internal/logger"
)

const exitConfig = 2

func main() {
	root := &cobra.Command{
		Use:           "etx-bridge",
		Short:         "etx web bridge: latest-sample cache with REST, SSE and WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().String("config", "etx.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "etx-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etx-bridge: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "etx-bridge: %v\n", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.Connect(broker.Options{
		Host:        cfg.BrokerHost,
		Port:        cfg.BrokerPort,
		ClientID:    cfg.ClientID + "-bridge",
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLSEnabled:  cfg.TLSEnabled,
		CACert:      cfg.CACert,
		ClientCert:  cfg.ClientCert,
		ClientKey:   cfg.ClientKey,
		TLSInsecure: cfg.TLSInsecure,
	})
	if err != nil {
		return err
	}

	svc := bridge.NewService(cfg.FieldDN)
	filter := cfg.TopicParsedPrefix + "/#"
	if err := svc.Start(client, filter, byte(cfg.MQTTQoS)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.BridgePort),
		Handler: bridge.NewServer(svc, prometheus.NewRegistry()),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("etx-bridge listening", "port", cfg.BridgePort, "filter", filter)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		client.Close(500 * time.Millisecond)
		return nil
	case err := <-errCh:
		client.Close(500 * time.Millisecond)
		return err
	}
}
