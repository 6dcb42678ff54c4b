package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/memory/records"
	"github.com/becomeliminal/nim-memory/server"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP, WebSocket, metrics and gRPC health",
		Run:   runServe,
	}

	cmd.Flags().String("http", "", "HTTP listen address (overrides server.http_addr)")
	cmd.Flags().StringSlice("preload", nil, "Characters to load at startup")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if addr, _ := cmd.Flags().GetString("http"); addr != "" {
		cfg.Server.HTTPAddr = addr
	}
	preload, _ := cmd.Flags().GetStringSlice("preload")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	// The first character that needs the model would load it anyway.
	go func() {
		if err := a.provider.EnsureLoaded(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("embedding provider unavailable, searches return no results")
			return
		}
		for _, id := range preload {
			if _, err := a.manager.LoadOrCreate(ctx, id); err != nil {
				log.Warn().Err(err).Str("character", id).Msg("preload failed")
			}
		}
	}()

	if cfg.Records.Watch && a.files != nil {
		if err := os.MkdirAll(a.files.Dir, 0o755); err != nil {
			exitErr("watch records", err)
		}
		w, err := records.NewWatcher(a.files.Dir, a.manager.Invalidate)
		if err != nil {
			exitErr("watch records", err)
		}
		if err := w.Start(ctx); err != nil {
			exitErr("watch records", err)
		}
		defer w.Stop()
	}

	srv := server.New(a.manager, a.gen, cfg.ServerOptions())
	if err := srv.Run(ctx); err != nil {
		exitErr("serve", err)
	}
}
