package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/appff/nightshift/internal/mission"
	"github.com/appff/nightshift/internal/persona"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Validate a mission manifest and the active settings",
	Long: `Validate loads the settings file and the manifest, checks task ids,
dependency references, and persona rules, and exits without running
anything. Useful before queueing an overnight run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return configErr(err)
		}
		if _, err := persona.NewSelector(cfg.Personas, cfg.PersonaRules); err != nil {
			return configErr(err)
		}
		m, err := mission.LoadManifest(args[0])
		if err != nil {
			return configErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tasks, ok\n", args[0], len(m.Tasks))
		return nil
	},
}
