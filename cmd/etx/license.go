package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/devtcp"
	"github.com/etx-iot/etx/internal/dispatch"
	"github.com/etx-iot/etx/internal/license"
)

func newLicenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Generate, push and query device license tokens",
	}
	cmd.AddCommand(newLicenseGenCmd(), newLicensePushCmd(), newLicenseQueryCmd())
	return cmd
}

func newLicenseGenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen <device-mac>",
		Short: "Generate a signed token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			keyPath, _ := cmd.Flags().GetString("key")
			if !cmd.Flags().Changed("key") && cfg.LicenseKeyPath != "" {
				keyPath = cfg.LicenseKeyPath
			}
			days, _ := cmd.Flags().GetInt("days")
			tierName, _ := cmd.Flags().GetString("tier")

			tier, err := license.ParseTier(tierName)
			if err != nil {
				return err
			}
			expiry, err := license.Expiry(days)
			if err != nil {
				return err
			}
			signer, err := license.NewFileSigner(keyPath)
			if err != nil {
				return err
			}
			token, err := license.MakeToken(args[0], tier, expiry, signer)
			if err != nil {
				return err
			}

			if cfg.HistoryDB != "" {
				if hist, err := dispatch.OpenHistory(cfg.HistoryDB); err == nil {
					hist.AppendLicense(dispatch.LicenseEntry{
						Token:      token,
						DeviceCode: args[0],
						Tier:       license.TierName(tier),
						Expiry:     expiry.Format(time.RFC3339),
					})
					hist.Close()
				}
			}

			fmt.Println(token)
			fmt.Printf("expires_at_utc=%s\n", expiry.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("key", "priv.pem", "ECDSA P-256 private key (PEM)")
	cmd.Flags().Int("days", 365, "validity in days")
	cmd.Flags().String("tier", "basic", "tier: basic, advanced or pro")
	return cmd
}

func newLicensePushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <ip> <token>",
		Short: "Push a token to a device over TCP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := license.ParseToken(args[1]); err != nil {
				return err
			}
			client := &devtcp.Client{Port: cfg.DeviceTCPPort, Timeout: deviceTimeout(cfg)}
			reply, err := client.Send(cmd.Context(), args[0], map[string]any{"license": args[1]})
			if err != nil {
				return err
			}
			return printJSON(reply)
		},
	}
	return cmd
}

func newLicenseQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <ip>",
		Short: "List licenses stored on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := &devtcp.Client{Port: cfg.DeviceTCPPort, Timeout: deviceTimeout(cfg)}
			reply, err := client.Send(cmd.Context(), args[0], map[string]any{"license": "?"})
			if err != nil {
				return err
			}
			return printJSON(reply)
		},
	}
}
