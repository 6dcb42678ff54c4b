package cli

import (
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "index [character]",
		Short: "Load or build a character's memory index",
		Long:  "Loads the persisted index when it matches the character's cards, otherwise embeds the cards and persists a new index.",
		Args:  cobra.ExactArgs(1),
		Run:   runIndex,
	}

	cmd.Flags().Bool("rebuild", false, "Rebuild even when the persisted index is current")
	cmd.Flags().Bool("delete", false, "Delete the persisted index instead")

	RootCmd.AddCommand(cmd)
}

func runIndex(cmd *cobra.Command, args []string) {
	rebuild, _ := cmd.Flags().GetBool("rebuild")
	del, _ := cmd.Flags().GetBool("delete")

	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	id := args[0]
	if del {
		if err := a.manager.DeleteIndex(id); err != nil {
			exitErr("delete index", err)
		}
		printJSON(map[string]string{"deleted": a.manager.IndexPath(id)})
		return
	}

	if err := a.ensureProvider(cmd.Context()); err != nil {
		exitErr("load embedder", err)
	}

	var st memory.Stats
	if rebuild {
		st, err = a.manager.Rebuild(cmd.Context(), id)
	} else {
		st, err = a.manager.LoadOrCreate(cmd.Context(), id)
	}
	if err != nil {
		exitErr("index", err)
	}
	printJSON(st)
}
