package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joshu-sajeev/parsemd/internal/app"
	"github.com/joshu-sajeev/parsemd/internal/document"
	"github.com/joshu-sajeev/parsemd/internal/pool"
	"github.com/joshu-sajeev/parsemd/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		app.NewLogger("error").Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	deps, err := app.Open(ctx, "worker")
	if err != nil {
		return err
	}
	defer deps.Close()

	cfg := deps.Config
	logger := deps.Logger

	uploads, err := document.NewStore(cfg.UploadDir)
	if err != nil {
		return err
	}

	decoder := document.NewFileDecoder(document.ExecRunner{Logger: logger}, cfg.PdftotextBin)
	proc := worker.NewProcessor(deps.Records, decoder)

	workers := make([]pool.Runner, cfg.Worker.Concurrency)
	for i := range workers {
		workers[i] = worker.New(i+1, deps.Queue, proc, deps.Records, logger,
			worker.WithMaxInfraFailures(cfg.Worker.MaxInfraFailures),
			worker.WithUploads(uploads))
	}

	p := pool.NewWorkerPool(workers, deps.Queue, deps.Records,
		cfg.Worker.JanitorInterval, cfg.JobRetention, logger, pool.WithUploads(uploads))

	logger.Info("worker pool started", "concurrency", cfg.Worker.Concurrency)
	if err := p.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
