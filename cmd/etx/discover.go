package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Probe the LAN for devices via UDP broadcast",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			extra, _ := cmd.Flags().GetStringSlice("broadcast")
			if len(extra) == 0 {
				extra = cfg.DiscoverBroadcasts
			}

			devices, targets, err := discovery.Discover(cmd.Context(), discovery.Options{
				Port:       cfg.DiscoverPort,
				Magic:      cfg.DiscoverMagic,
				Attempts:   cfg.DiscoverAttempts,
				Gap:        time.Duration(cfg.DiscoverGap * float64(time.Second)),
				Timeout:    time.Duration(cfg.DiscoverTimeout * float64(time.Second)),
				Broadcasts: extra,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"count":     len(devices),
				"items":     devices,
				"broadcast": targets,
			})
		},
	}
	cmd.Flags().StringSlice("broadcast", nil, "extra broadcast targets")
	return cmd
}
