package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unichain/overlay/version"
)

var verbose bool

// VersionCmd shows the software version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		}
		values, err := json.MarshalIndent(struct {
			Overlay   string `json:"overlay"`
			Discovery uint64 `json:"discovery_protocol"`
			Sync      uint64 `json:"sync_protocol"`
		}{
			Overlay:   version.Version,
			Discovery: uint64(version.DiscoveryProtocol),
			Sync:      uint64(version.SyncProtocol),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(values))
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol versions")
}
