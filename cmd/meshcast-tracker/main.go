// Command meshcast-tracker runs the standalone signaling/tracker server
// that participants dial to discover swarm membership and relay session
// descriptions and ICE candidates.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arannis/meshcast/internal/logx"
	"github.com/arannis/meshcast/internal/tracker"
)

func main() {
	addr := flag.String("addr", ":8742", "address to listen on")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	setupLogger(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := tracker.NewServer(slog.Default())

	slog.Info("tracker starting", "addr", *addr)
	if err := srv.Run(ctx, *addr); err != nil && ctx.Err() == nil {
		slog.Error("tracker exited", "error", err)
		os.Exit(1)
	}
	slog.Info("tracker stopped")
}

func setupLogger(verbose bool) {
	opts := logx.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.ShowSource = true
	} else {
		opts.SlogOpts.Level = slog.LevelInfo
		opts.ShowSource = false
	}

	h := logx.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
