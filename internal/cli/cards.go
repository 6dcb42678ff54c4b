package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory/records"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cards",
		Short: "Manage a character's memory cards",
	}

	list := &cobra.Command{
		Use:   "list [character]",
		Short: "List memory cards",
		Args:  cobra.ExactArgs(1),
		Run:   runCardsList,
	}

	add := &cobra.Command{
		Use:   "add [character] [key] [text...]",
		Short: "Append a memory card",
		Args:  cobra.MinimumNArgs(3),
		Run:   runCardsAdd,
	}

	rm := &cobra.Command{
		Use:   "rm [character] [card-id]",
		Short: "Remove a memory card",
		Args:  cobra.ExactArgs(2),
		Run:   runCardsRm,
	}

	imp := &cobra.Command{
		Use:   "import [file...]",
		Short: "Import character files into the sqlite record store",
		Long:  "Replaces each character's cards in the sqlite store with the cards of a JSON or YAML character file. The character id is the file name.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runCardsImport,
	}

	cmd.AddCommand(list, add, rm, imp)
	RootCmd.AddCommand(cmd)
}

func runCardsList(cmd *cobra.Command, args []string) {
	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	cards, err := a.store.Cards(cmd.Context(), args[0])
	if err != nil {
		exitErr("read cards", err)
	}
	if cards == nil {
		cards = []core.MemoryCard{}
	}
	printJSON(cards)
}

func runCardsAdd(cmd *cobra.Command, args []string) {
	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	id, key, text := args[0], args[1], strings.Join(args[2:], " ")
	if a.sqlite != nil {
		card, err := a.sqlite.Put(cmd.Context(), id, key, text)
		if err != nil {
			exitErr("add card", err)
		}
		printJSON(card)
		return
	}

	c, err := a.files.Load(cmd.Context(), id)
	if err != nil {
		exitErr("load character", err)
	}
	c.MemoryCards = append(c.MemoryCards, records.CardRecord{Key: key, Data: text})
	if err := a.files.Save(cmd.Context(), id, c); err != nil {
		exitErr("save character", err)
	}
	cards := c.Cards()
	printJSON(cards[len(cards)-1])
}

func runCardsRm(cmd *cobra.Command, args []string) {
	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	id, cardID := args[0], args[1]
	if a.sqlite != nil {
		owner, err := a.sqlite.CharacterOf(cmd.Context(), cardID)
		if err != nil {
			exitErr("find card", err)
		}
		if owner != id {
			exitErr("remove card", fmt.Errorf("%w: %s belongs to %s", records.ErrCardNotFound, cardID, owner))
		}
		if err := a.sqlite.Delete(cmd.Context(), cardID); err != nil {
			exitErr("remove card", err)
		}
		printJSON(map[string]string{"deleted": cardID})
		return
	}

	c, err := a.files.Load(cmd.Context(), id)
	if err != nil {
		exitErr("load character", err)
	}
	cards := c.Cards()
	kept := c.MemoryCards[:0]
	found := false
	for i, r := range c.MemoryCards {
		if cards[i].ID == cardID {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		exitErr("remove card", fmt.Errorf("%w: %s", records.ErrCardNotFound, cardID))
	}
	c.MemoryCards = kept
	if err := a.files.Save(cmd.Context(), id, c); err != nil {
		exitErr("save character", err)
	}
	printJSON(map[string]string{"deleted": cardID})
}

func runCardsImport(cmd *cobra.Command, args []string) {
	if cfg.Records.Backend != "sqlite" {
		exitErr("import", fmt.Errorf("records.backend is %q, import targets sqlite", cfg.Records.Backend))
	}
	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	imported := map[string]int{}
	for _, path := range args {
		id, ok := records.CharacterIDFromFile(path)
		if !ok {
			exitErr("import", fmt.Errorf("%s is not a .json, .yaml or .yml file", path))
		}
		src := records.NewFileStore(filepath.Dir(path))
		cards, err := src.Cards(cmd.Context(), id)
		if err != nil {
			exitErr("read "+path, err)
		}
		if err := a.sqlite.Import(cmd.Context(), id, cards); err != nil {
			exitErr("import "+id, err)
		}
		imported[id] = len(cards)
	}
	printJSON(imported)
}
