package cmd

import (
	"fmt"
	"github.com/bastianbatory/KikeMorandeBot/kikebot"
	"github.com/spf13/cobra"
)

var showPrompts bool

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the available personas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var extra map[string]string
		if cfg.PersonasFile != "" {
			personas, err := kikebot.LoadPersonas(cfg.PersonasFile)
			if err != nil {
				return err
			}
			extra = personas
		}
		store := kikebot.NewPersonaStore(extra)

		out := cmd.OutOrStdout()
		for _, name := range store.Names() {
			marker := " "
			if name == cfg.DefaultPersona {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, name)
			if showPrompts {
				prompt, _ := store.Get(name)
				fmt.Fprintf(out, "    %s\n", prompt)
			}
		}
		return nil
	},
}

func init() {
	personasCmd.Flags().BoolVar(&showPrompts, "prompts", false, "Also print each persona's prompt")
	rootCmd.AddCommand(personasCmd)
}
