package cmd

import (
	"github.com/spf13/cobra"

	"github.com/coordkv/coordstore/cmd/start"
	"github.com/coordkv/coordstore/cmd/tool"
	"github.com/coordkv/coordstore/utils"
	. "github.com/coordkv/coordstore/utils/log"
)

// flagPrintVersion set flag to show current coordstore version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {
	// c is the root command.
	c := &cobra.Command{
		Use: "coordstore",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Print version if specified.
			if flagPrintVersion {
				Info("version: %+v\n", utils.Tag)
				Info("commit hash: %+v\n", utils.GitHash)
				Info("utc build time: %+v\n", utils.BuildStamp)
				return nil
			}
			// Print information regarding usage.
			return cmd.Usage()
		},
	}

	// Adds subcommands and version flag.
	c.AddCommand(start.Cmd)
	c.AddCommand(tool.Cmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
