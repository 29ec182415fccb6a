package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joshu-sajeev/parsemd/internal/app"
	"github.com/joshu-sajeev/parsemd/internal/cli"
	"github.com/joshu-sajeev/parsemd/internal/storage/postgres"
)

func open(ctx context.Context) (*cli.Backend, error) {
	deps, err := app.Open(ctx, "cli")
	if err != nil {
		return nil, err
	}
	return &cli.Backend{
		Migrate: func(ctx context.Context) error { return postgres.Migrate(ctx, deps.DB) },
		SchemaVersion: func(ctx context.Context) (int64, error) {
			return postgres.SchemaVersion(ctx, deps.DB)
		},
		Records:   deps.Records,
		Entries:   deps.Queue,
		Retention: deps.Config.JobRetention,
		Close:     deps.Close,
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(open).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
