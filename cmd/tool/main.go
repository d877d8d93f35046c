package tool

import (
	"github.com/spf13/cobra"

	"github.com/coordkv/coordstore/cmd/tool/integrity"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified tool"
	toolExample   = "coordstore tool integrity [flags]"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		SuggestFor: []string{"integrity"},
		Example:    toolExample,
	}
)

func init() {
	Cmd.AddCommand(integrity.Cmd)
}
