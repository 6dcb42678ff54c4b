package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/conversation"
	"github.com/becomeliminal/nim-memory/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat [character]",
		Short: "Chat with a character from the terminal",
		Long: "Reads lines from stdin and replies using the configured llm backend. " +
			"Commands: /status, /context, /clear, /quit.",
		Args: cobra.ExactArgs(1),
		Run:  runChat,
	}

	RootCmd.AddCommand(cmd)
}

func runChat(cmd *cobra.Command, args []string) {
	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()
	if a.gen == nil {
		exitErr("chat", errors.New("no llm backend configured (set llm.provider and an api key)"))
	}

	ctx := cmd.Context()
	eng := engine.NewEngine(a.gen,
		engine.WithMemory(a.manager),
		engine.WithSession(conversation.NewSession(a.gen, cfg.SessionOptions())),
		engine.WithReplyOptions(cfg.ReplyOptions()),
	)
	defer eng.Close()

	_ = a.ensureProvider(ctx)
	if _, err := eng.ActivateCharacter(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit", "/exit":
			return
		case "/status":
			printJSON(eng.Status(ctx))
		case "/context":
			fmt.Println(eng.Context(ctx))
		case "/clear":
			eng.ClearAllMemory()
			if _, err := eng.ActivateCharacter(ctx, args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			fmt.Println("(memory cleared)")
		default:
			reply, err := eng.Respond(ctx, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				break
			}
			fmt.Println(reply)
		}
		fmt.Print("> ")
	}
	if err := eng.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}
