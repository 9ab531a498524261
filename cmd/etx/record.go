package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/codec"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <dn|ALL>",
		Short: "Toggle CSV recording for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stop, _ := cmd.Flags().GetBool("stop")

			dn := args[0]
			if dn != codec.BroadcastDN {
				hex, err := codec.NormalizeDNHex(dn)
				if err != nil {
					return err
				}
				dn = hex
			}

			client, err := connectBroker(cfg, "-cli")
			if err != nil {
				return err
			}
			defer client.Close(200 * time.Millisecond)

			body, err := json.Marshal(map[string]any{"dn": dn, "record": !stop})
			if err != nil {
				return err
			}
			// Never retained: the sink ignores retained control messages.
			if err := client.Publish(cfg.ControlTopic, byte(cfg.MQTTQoS), false, body); err != nil {
				return err
			}
			fmt.Printf("record=%v for %s\n", !stop, dn)
			return nil
		},
	}
	cmd.Flags().Bool("stop", false, "stop recording instead of starting")
	return cmd
}
