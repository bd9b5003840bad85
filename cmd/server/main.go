package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"seqkv/internal/api"
	"seqkv/internal/config"
	"seqkv/internal/contract"
	"seqkv/internal/engine"
	"seqkv/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path (missing file means defaults)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Log.JSON)
	log := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := engine.Open(context.Background(), engine.CommitLogCfg{
		Path:                 cfg.CommitLogPath(),
		EnqueueTimeout:       cfg.CommitLog.EnqueueTimeout,
		FlushInterval:        cfg.CommitLog.FlushInterval,
		MaxEnqueuingMutation: cfg.CommitLog.MaxEnqueuingMutation,
		BufferBytes:          cfg.CommitLog.BufferBytes,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("closing store", "error", err)
		}
	}()

	host, err := contract.NewHost(store, contract.Vector{})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(host),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", cfg.HTTP.Addr, "commit_log", cfg.CommitLogPath())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
