package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/types"
)

// MakeShowNodeIDCommand constructs a command to dump the node ID to stdout.
func MakeShowNodeIDCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-node-id",
		Short: "Show this node's ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeKey, err := types.LoadNodeKey(conf.NodeKeyFile())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), nodeKey.ID)
			return nil
		},
	}
}
