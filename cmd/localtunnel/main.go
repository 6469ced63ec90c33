// Package main is the entry point for the localtunnel client binary:
// it exposes a locally running HTTP service on a publicly addressable
// URL by maintaining a pool of outbound connections to a tunnel
// broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lt-go/localtunnel-client/internal/acquire"
	"github.com/lt-go/localtunnel-client/internal/config"
	"github.com/lt-go/localtunnel-client/internal/orchestrator"
	"github.com/lt-go/localtunnel-client/internal/signer"
	"github.com/lt-go/localtunnel-client/internal/transport"
	"github.com/lt-go/localtunnel-client/internal/tunnel"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	root := &cobra.Command{
		Use:           "localtunnel",
		Short:         "Expose a local HTTP service through a public tunnel broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTunnel(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(root.Flags(), config.Options); err != nil {
		return fmt.Errorf("registering flags: %w", err)
	}

	return root.ExecuteContext(ctx)
}

// runTunnel wires the signer, acquirer, and orchestrator from conf and
// drives the tunnel until ctx is cancelled or it exits on its own.
func runTunnel(ctx context.Context, conf *config.Config) error {
	if conf.LocalPort() == 0 {
		return fmt.Errorf("--port is required")
	}

	s, err := signer.New(conf.ClientToken(), conf.HMACSecret())
	if err != nil {
		return fmt.Errorf("validating credentials: %w", err)
	}

	acq := acquire.New(conf.BrokerBaseURL(), s)

	localHost := conf.LocalHost()
	dialAddr := "localhost"
	if localHost != "" {
		dialAddr = localHost
	}

	orch := orchestrator.New(acq, orchestrator.Config{
		Subdomain: conf.Subdomain(),
		Local: tunnel.LocalDialerConfig{
			Addr:     fmt.Sprintf("%s:%d", dialAddr, conf.LocalPort()),
			TLS:      conf.LocalTLS(),
			CertFile: conf.LocalCert(),
			KeyFile:  conf.LocalKey(),
			CAFile:   conf.LocalCA(),
			Insecure: conf.LocalInsecure(),
		},
		RewriteHost:    localHost,
		LocalReconnect: conf.LocalReconnect(),
		LocalRetryMax:  conf.LocalRetryMax(),
		DumpDir:        conf.DumpDir(),
	})

	go logEvents(orch)

	return transport.Serve(ctx, orch)
}

// logEvents drains the orchestrator's event stream and logs each one,
// until the stream is closed after Close() completes.
func logEvents(orch *orchestrator.Orchestrator) {
	log := slog.Default().With("component", "cli")
	for e := range orch.Events() {
		switch e.Kind {
		case tunnel.EventURL:
			log.Info("tunnel open", "url", e.URL)
		case tunnel.EventRequest:
			log.Debug("request", "method", e.Method, "path", e.Path)
		case tunnel.EventError:
			log.Error("tunnel error", "error", e.Err)
		case tunnel.EventExit:
			log.Error("tunnel exited", "code", e.Code, "reason", e.Reason)
		case tunnel.EventClose:
			log.Info("tunnel closed")
		}
	}
}
