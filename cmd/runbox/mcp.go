package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"runbox/internal/adapter/mcpserver"
)

func cmdMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	cfgPath := fs.String("config", "runbox.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.scheduler != nil {
		if err := p.scheduler.Start(ctx); err != nil {
			return err
		}
		defer p.scheduler.Stop()
	}

	srv := mcpserver.New("runbox", version, p.registry, p.logger)
	return srv.ServeStdio(ctx)
}
