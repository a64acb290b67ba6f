package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/host"
	"lovebridge/internal/config"
	"lovebridge/internal/hostapi"
	"lovebridge/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Host.Listen = *listen
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogJSON)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Host failed", zap.Error(err))
	}
}

// newHost creates a host with the demo methods registered.
func newHost(logger *zap.Logger) *host.Host {
	h := host.New(logger)
	h.Handle("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	h.Handle("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	})
	h.Handle("state.get", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		v, ok := h.State(in.Key)
		if !ok {
			return nil, fmt.Errorf("no state for %q", in.Key)
		}
		return v, nil
	})
	h.OnMessage(func(cmd command.Command) {
		logger.Info("message", zap.String("type", cmd.Type), zap.ByteString("payload", cmd.Payload))
	})
	return h
}

func run(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if cfg.Polled() {
		medium, err := cfg.OpenMedium()
		if err != nil {
			return err
		}
		defer medium.Close()

		ph, err := host.NewPolledHost(newHost(logger.Named("polled")), medium, cfg.TransportOptions(logger))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Serving polled medium", zap.String("transport", cfg.Transport), zap.String("namespace", cfg.Namespace))
			if err := ph.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if cfg.Transport == config.TransportJSONRPC {
		ln, err := net.Listen("tcp", cfg.JSONRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.JSONRPC.Addr, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveTCP(ctx, ln, logger.Named("jsonrpc"))
		}()
	}

	router := hostapi.NewRouter(func(session string) *host.Host {
		return newHost(logger.With(zap.String("session", session)))
	}, logger)

	server := &http.Server{Addr: cfg.Host.Listen, Handler: router.Setup()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting host server", zap.String("listen", cfg.Host.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down server", zap.Error(err))
	}
	stop()
	wg.Wait()
	return runErr
}

func serveTCP(ctx context.Context, ln net.Listener, logger *zap.Logger) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.Info("Serving JSON-RPC", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Accept failed", zap.Error(err))
			}
			return
		}
		jh := host.ServeJSONRPC(ctx, newHost(logger), conn, logger)
		logger.Info("Producer connected", zap.String("remote", conn.RemoteAddr().String()), zap.String("session", jh.Session()))
	}
}
