package cli

import (
	"github.com/spf13/cobra"

	"github.com/Lounger-Habitat/GameServer/pkg/prompt"
	"github.com/Lounger-Habitat/GameServer/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			w := wizard.New(prompt.Default())
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./gameserver.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively using env vars and defaults")
	return cmd
}
