package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unichain/overlay/config"
	"github.com/unichain/overlay/types"
)

// MakeInitFilesCommand returns the command to initialize a fresh overlay
// home: the config file and the node key.
func MakeInitFilesCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes an overlay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefaultConfigFileIfNone(conf.RootDir); err != nil {
				return err
			}
			nodeKey, err := types.LoadOrGenNodeKey(conf.NodeKeyFile())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized node %v in %s\n", nodeKey.ID, conf.RootDir)
			return nil
		},
	}
}
