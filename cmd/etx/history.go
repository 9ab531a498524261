package main

import (
	"github.com/spf13/cobra"

	"github.com/etx-iot/etx/internal/codec"
	"github.com/etx-iot/etx/internal/dispatch"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent command results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dn, _ := cmd.Flags().GetString("dn")
			n, _ := cmd.Flags().GetInt("n")
			licenses, _ := cmd.Flags().GetBool("licenses")

			hist, err := dispatch.OpenHistory(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer hist.Close()

			if licenses {
				entries, err := hist.Licenses()
				if err != nil {
					return err
				}
				return printJSON(entries)
			}
			if dn != "" {
				hex, err := codec.NormalizeDNHex(dn)
				if err != nil {
					return err
				}
				entry, err := hist.LatestFor(hex)
				if err != nil {
					return err
				}
				return printJSON(entry)
			}
			entries, err := hist.Recent(n)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	cmd.Flags().String("dn", "", "latest result for one device")
	cmd.Flags().Int("n", 20, "number of results")
	cmd.Flags().Bool("licenses", false, "list issued license tokens instead")
	return cmd
}
