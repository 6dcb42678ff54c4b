package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "status [character...]",
		Short: "Show index status per character",
		Long:  "Loads each character's index (or every character in the record store) and prints its status.",
		Run:   runStatus,
	}

	RootCmd.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	ids := args
	if len(ids) == 0 {
		ids, err = a.characters(cmd.Context())
		if err != nil {
			exitErr("list characters", err)
		}
	}

	_ = a.ensureProvider(cmd.Context())
	for _, id := range ids {
		// Failures show up in the status itself.
		_, _ = a.manager.LoadOrCreate(cmd.Context(), id)
	}

	printJSON(map[string]any{
		"provider":   a.provider.State().String(),
		"dimensions": a.provider.Dimensions(),
		"characters": a.manager.All(),
	})
}

func (a *app) characters(ctx context.Context) ([]string, error) {
	if a.sqlite != nil {
		return a.sqlite.Characters(ctx)
	}
	return a.files.Characters(ctx)
}
