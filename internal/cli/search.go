package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [character] [query]",
		Short: "Search a character's memory cards",
		Args:  cobra.MinimumNArgs(2),
		Run:   runSearch,
	}

	cmd.Flags().IntP("limit", "k", 0, "Max results (default: memory.top_k)")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args[1:], " ")

	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	// Search degrades to no results without a model; load it up front so a
	// one-shot command is useful.
	_ = a.ensureProvider(cmd.Context())

	results := a.manager.Search(cmd.Context(), args[0], query, limit)
	if results == nil {
		results = []string{}
	}
	printJSON(results)
}
