package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/codec"
	"github.com/etx-iot/etx/internal/devtcp"
	"github.com/etx-iot/etx/internal/dispatch"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Push a pin matrix config to a device",
		Long: `Pushes {analog, select, model} to a device. With --ip the payload goes
directly over TCP; otherwise a command is published for the agent fleet to
resolve and deliver.`,
		RunE: runConfigCmd,
	}
	cmd.Flags().String("dn", "", "target device number")
	cmd.Flags().String("ip", "", "target IP (direct TCP, skips the agent)")
	cmd.Flags().IntSlice("analog", nil, "analog pins")
	cmd.Flags().IntSlice("select", nil, "select pins")
	cmd.Flags().String("model", "", "device model tag")
	return cmd
}

func runConfigCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dn, _ := cmd.Flags().GetString("dn")
	ip, _ := cmd.Flags().GetString("ip")
	analog, _ := cmd.Flags().GetIntSlice("analog")
	sel, _ := cmd.Flags().GetIntSlice("select")
	model, _ := cmd.Flags().GetString("model")

	if dn != "" {
		hex, err := codec.NormalizeDNHex(dn)
		if err != nil {
			return err
		}
		dn = hex
	}

	payload, encoded, err := dispatch.BuildConfigPayload(analog, sel, model)
	if err != nil {
		return err
	}

	if ip != "" {
		client := &devtcp.Client{Port: cfg.DeviceTCPPort, Timeout: deviceTimeout(cfg)}
		reply, err := client.SendRaw(cmd.Context(), ip, encoded)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"ip": ip, "payload": payload, "reply": reply})
	}

	if dn == "" {
		return fmt.Errorf("either --dn or --ip is required")
	}
	client, err := connectBroker(cfg, "-cli")
	if err != nil {
		return err
	}
	defer client.Close(200 * time.Millisecond)

	commandID := uuid.NewString()
	body, err := json.Marshal(map[string]any{
		"command_id":   commandID,
		"target_dn":    dn,
		"payload":      payload,
		"requested_by": "etx-cli",
	})
	if err != nil {
		return err
	}
	if err := client.Publish(cfg.CmdTopic, byte(cfg.MQTTQoS), false, body); err != nil {
		return err
	}
	return printJSON(map[string]any{
		"command_id":   commandID,
		"dn":           dn,
		"result_topic": fmt.Sprintf("%s/+/%s", cfg.ResultTopic, commandID),
	})
}
