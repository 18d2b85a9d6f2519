// livepush-devserver is a minimal coordination server for local development.
// It serves one app directory as the bundle for a room and accepts commands
// over HTTP:
//
//	curl -X POST localhost:3000/push/default/bundle -d '{"name":"Demo App"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/livepush/agent/internal/bundle"
	"github.com/livepush/agent/internal/devserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var host, token, room, appDir string
	var port int

	flagSet := pflag.NewFlagSet("livepush-devserver", pflag.ContinueOnError)
	flagSet.StringVar(&host, "host", "127.0.0.1", "listen host")
	flagSet.IntVar(&port, "port", 3000, "listen port")
	flagSet.StringVar(&token, "token", "", "require this bearer token")
	flagSet.StringVar(&room, "room", "default", "room the app directory is served to")
	flagSet.StringVar(&appDir, "app", "", "app directory to pack and serve as the room's bundle")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	hub := devserver.New(devserver.Options{Token: token, Logger: logger})

	if appDir != "" {
		archive, err := bundle.PackDir(appDir)
		if err != nil {
			return fmt.Errorf("packing %s: %w", appDir, err)
		}
		hub.SetBundle(room, archive)
		logger.Info("serving bundle", "room", room, "dir", appDir, "bytes", len(archive), "digest", bundle.Digest(archive))
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go devserver.NewConsole(os.Stdout).Run(ctx, hub.Events())
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		hub.DisconnectAll()
	}()

	logger.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
