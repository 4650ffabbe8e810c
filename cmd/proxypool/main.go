package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/Windscribe/proxypool"
	"github.com/Windscribe/proxypool/api"
	"github.com/Windscribe/proxypool/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "proxypool: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse("proxypool", args)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}

	anchor, generated, err := cfg.TrustAnchor()
	if err != nil {
		return err
	}
	if generated {
		logger.Infof("generated root certificate %q", anchor.Certificate().Subject.CommonName)
	}

	opts, err := cfg.ManagerOptions(logger)
	if err != nil {
		return err
	}
	manager, err := proxypool.NewManager(anchor, opts)
	if err != nil {
		return err
	}
	defer manager.Close()
	if r := opts.PortRange; r.IsSet() {
		logger.Infof("proxy ports %d-%d", r.Low, r.High)
	}

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.APIAddress, strconv.Itoa(cfg.APIPort)),
		Handler:           api.New(manager, logger),
		ReadHeaderTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("management API listening on %s", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		logger.Infof("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API shutdown: %v", err)
	}
	return manager.Close()
}
