package main

import (
	"context"
	"fmt"
	"os"

	"github.com/unichain/overlay/cmd/overlay/commands"
	"github.com/unichain/overlay/config"
)

func main() {
	ctx := context.Background()

	conf := config.DefaultConfig()

	rcmd := commands.RootCommand(conf)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf),
		commands.MakeShowNodeIDCommand(conf),
		commands.NewRunNodeCmd(conf),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
