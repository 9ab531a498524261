package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/config"
	"github.com/etx-iot/etx/internal/logger"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "etx",
		Short:         "etx operator console: discovery, device config, licensing, recording",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "etx.yaml", "config file path")

	root.AddCommand(
		newDiscoverCmd(),
		newConfigCmd(),
		newRecordCmd(),
		newLicenseCmd(),
		newHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "etx: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the shared config and initializes quiet logging for CLI
// use (a configured info level is raised to warn, other levels are kept;
// command output goes to stdout).
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if level == "info" {
		level = "warn"
	}
	if err := logger.Init(level, ""); err != nil {
		return nil, err
	}
	return cfg, nil
}

func connectBroker(cfg *config.Config, suffix string) (broker.Client, error) {
	return broker.Connect(broker.Options{
		Host:        cfg.BrokerHost,
		Port:        cfg.BrokerPort,
		ClientID:    cfg.ClientID + suffix,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLSEnabled:  cfg.TLSEnabled,
		CACert:      cfg.CACert,
		ClientCert:  cfg.ClientCert,
		ClientKey:   cfg.ClientKey,
		TLSInsecure: cfg.TLSInsecure,
	})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func deviceTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.DeviceTCPTimeout * float64(time.Second))
}
