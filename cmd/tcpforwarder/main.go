// Command tcpforwarder accepts TCP connections on one or more bind
// addresses and fans every byte read from a client out to a fixed set of
// upstream servers, verbatim and in one direction only.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guidoreina/tcpforwarder-go/internal/adminapi"
	"github.com/guidoreina/tcpforwarder-go/internal/forwarder"
	"github.com/guidoreina/tcpforwarder-go/internal/helpers"
	"github.com/guidoreina/tcpforwarder-go/internal/logging"
	"github.com/guidoreina/tcpforwarder-go/internal/metrics"
	"github.com/guidoreina/tcpforwarder-go/internal/sockaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	binds     []string
	upstreams []string
	workers   int
	logLevel  string
	logJSON   bool
	adminAddr string
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "tcpforwarder",
		Short: "Fan-out TCP forwarder: relays client bytes to N upstream servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
		SilenceUsage: false,
	}

	root.Flags().StringArrayVar(&flags.binds, "bind", nil,
		"address to accept client connections on, ip:port or ip:minport-maxport (repeatable)")
	root.Flags().StringArrayVar(&flags.upstreams, "upstream-server", nil,
		"upstream server address, ip:port (repeatable)")
	root.Flags().IntVar(&flags.workers, "number-workers", 2,
		"number of worker reactors, one epoll instance and goroutine each")
	root.Flags().StringVar(&flags.logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, or ERROR")
	root.Flags().BoolVar(&flags.logJSON, "log-json", false, "emit structured JSON logs instead of text")
	root.Flags().StringVar(&flags.adminAddr, "admin-addr", "127.0.0.1:9090",
		"address for the read-only admin API (healthz/stats/metrics); empty disables it")

	if err := root.MarkFlagRequired("bind"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.MarkFlagRequired("upstream-server"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(flags *cliFlags) error {
	instanceID := uuid.New().String()[:8]
	logger := logging.Configure(logging.Config{
		Level:            flags.logLevel,
		Structured:       flags.logJSON,
		StructuredFormat: "json",
		ExtraFields:      map[string]string{"instance_id": instanceID},
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	f, err := forwarder.New(flags.workers, m, logger, nil)
	if err != nil {
		return err
	}

	for _, spec := range flags.binds {
		host, minPort, maxPort, err := sockaddr.ParseRange(spec)
		if err != nil {
			return fmt.Errorf("--bind %q: %w", spec, err)
		}
		for port := int(minPort); port <= int(maxPort); port++ {
			addr, err := sockaddr.New(host, helpers.ClampIntToUint16(port))
			if err != nil {
				return fmt.Errorf("--bind %q: %w", spec, err)
			}
			f.Bind(addr)
		}
	}

	for _, spec := range flags.upstreams {
		addr, err := sockaddr.Parse(spec)
		if err != nil {
			return fmt.Errorf("--upstream-server %q: %w", spec, err)
		}
		f.AddUpstream(addr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("starting forwarder: %w", err)
	}

	var admin *adminapi.Server
	if flags.adminAddr != "" {
		admin = adminapi.New(flags.adminAddr, reg, logger, m, f.NumWorkers())
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin API server error", "error", err)
			}
		}()
		logger.Info("admin API listening", "addr", flags.adminAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	f.Stop()

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = admin.Shutdown(shutdownCtx)
	}

	return nil
}
