package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/btcnet"
	"github.com/opd-ai/btcnet/config"
)

// cliFlags are the command-line overrides applied on top of the settings
// file.
type cliFlags struct {
	configPath  string
	logLevel    string
	metricsAddr string
	network     string
	peers       []string
	port        uint16
}

func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "btcnetd",
		Short:         "Bitcoin peer-to-peer network daemon",
		Long:          "Run the btcnet peer-to-peer layer: seed the host pool, keep outbound peers, accept inbound peers and serve metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(flags.logLevel); err != nil {
				return err
			}
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, flags.metricsAddr)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML settings file")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.network, "network", "", "Network: mainnet, testnet3, regtest or simnet")
	pf.StringSliceVar(&flags.peers, "peer", nil, "Manual peer endpoint, repeatable")
	pf.Uint16Var(&flags.port, "port", 0, "Inbound port, 0 keeps the configured value")
	root.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), settings)
		},
	})

	return root
}

// setupLogging applies the requested log level to the standard logger.
func setupLogging(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// loadSettings reads the settings file, if any, and applies flag overrides.
func loadSettings(flags *cliFlags) (*config.Settings, error) {
	settings := config.NewSettings()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		settings = loaded
	}

	if flags.network != "" {
		if err := settings.UseNetwork(flags.network); err != nil {
			return nil, err
		}
	}
	if flags.port != 0 {
		settings.InboundPort = flags.port
	}
	settings.Peers = append(settings.Peers, flags.peers...)

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func printSettings(w io.Writer, settings *config.Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return enc.Close()
}

// run starts the node and blocks until ctx ends.
func run(ctx context.Context, settings *config.Settings, metricsAddr string) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	options := btcnet.NewOptions()
	options.Settings = settings
	options.Registerer = registry

	node, err := btcnet.New(options)
	if err != nil {
		return fmt.Errorf("create network: %w", err)
	}

	var server *http.Server
	if metricsAddr != "" {
		listener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"error":    err.Error(),
				}).Error("Metrics server failed")
			}
		}()

		logrus.WithFields(logrus.Fields{
			"function": "run",
			"address":  listener.Addr().String(),
		}).Info("Serving metrics")
	}

	if err := node.Start(); err != nil {
		if server != nil {
			server.Close()
		}
		return err
	}

	<-ctx.Done()
	logrus.WithFields(logrus.Fields{
		"function": "run",
	}).Info("Shutting down")

	err = node.Stop()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "btcnetd: %v\n", err)
		os.Exit(1)
	}
}
