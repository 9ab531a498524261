package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/codec"
	"github.com/etx-iot/etx/internal/config"
	"github.com/etx-iot/etx/internal/logger"
	"github.com/etx-iot/etx/internal/sink"
	"github.com/etx-iot/etx/internal/store"
)

const exitConfig = 2

func main() {
	root := &cobra.Command{
		Use:           "etx-sink",
		Short:         "etx session recorder: broker subscriber + per-device CSV store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().String("config", "etx.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "etx-sink: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etx-sink: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "etx-sink: %v\n", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(store.Config{
		RootDir:        cfg.RootDir,
		FlushEveryRows: cfg.FlushEveryRows,
		IdleTimeout:    time.Duration(cfg.InactTimeout * float64(time.Second)),
	})

	s := sink.New(sink.Config{
		DataFilter:   cfg.SinkSubTopic,
		ControlTopic: cfg.ControlTopic,
		QoS:          byte(cfg.MQTTQoS),
		Fields: codec.FieldMap{
			DN: cfg.FieldDN, SN: cfg.FieldSN, TS: cfg.FieldTS, TSMS: cfg.FieldTSMS,
			Press: cfg.FieldPress, Mag: cfg.FieldMag, Gyro: cfg.FieldGyro, Acc: cfg.FieldAcc,
			TSUnit: cfg.TSUnit,
		},
		RecordDNs: cfg.RecordDNs,
	}, st)

	client, err := broker.Connect(broker.Options{
		Host:        cfg.BrokerHost,
		Port:        cfg.BrokerPort,
		ClientID:    cfg.ClientID + "-sink",
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
	if err := s.Start(client); err != nil {
		return err
	}

	// Selector preload follows config edits without a restart.
	if cfgPath != "" {
		if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			s.SetSelector(next.RecordDNs)
		}); err != nil {
			logger.Warn("config watch unavailable", "err", err)
		}
	}

	logger.Info("etx-sink running",
		"data", cfg.SinkSubTopic, "control", cfg.ControlTopic, "root", cfg.RootDir)

	st.Run(ctx) // sweeps idle sessions; closes everything on cancel
	client.Close(500 * time.Millisecond)
	return nil
}
