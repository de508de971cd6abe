// Package main provides the CLI entry point for the Windrift relay
// endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/windrift-io/windrift/internal/client"
	"github.com/windrift-io/windrift/internal/config"
	"github.com/windrift-io/windrift/internal/forward"
	"github.com/windrift-io/windrift/internal/health"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/metrics"
	"github.com/windrift-io/windrift/internal/protocol"
	"github.com/windrift-io/windrift/internal/relay"
	"github.com/windrift-io/windrift/internal/transport"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "windrift",
		Short: "Windrift - QUIC relay endpoint",
		Long: `Windrift is a relay endpoint carrying TCP streams and UDP packets
over a single QUIC connection.

A server terminates relay connections and dials targets on behalf of
authenticated clients. A client connects out and exposes remote
targets on local ports.`,
		Version: Version,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay server",
		Long:  "Start the relay server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateServer(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			users, err := cfg.Server.UserMap()
			if err != nil {
				return fmt.Errorf("failed to parse users: %w", err)
			}

			tlsConfig, err := transport.LoadTLSConfig(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
			if err != nil {
				return fmt.Errorf("failed to load TLS config: %w", err)
			}

			srv, err := relay.NewServer(cfg.Server.Listen, tlsConfig, users, logger, metrics.Default(), relay.ServerOptions{
				Conn: relay.Options{
					AuthTimeout:       cfg.Server.AuthTimeout,
					ReassemblyTimeout: cfg.Server.ReassemblyTimeout,
					MaxDatagramSize:   cfg.Server.MaxDatagramSize,
					MaxPendingBytes:   cfg.Server.MaxPendingBytes,
					Strict:            cfg.Server.Strict,
				},
				Transport: transport.Options{
					MaxIdleTimeout: cfg.Server.IdleTimeout,
					Allow0RTT:      cfg.Server.ZeroRTT,
				},
				AcceptRate: cfg.Server.AcceptRate,
			})
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("Starting Windrift server...\n")
			fmt.Printf("Listening on: %s\n", srv.Addr())
			fmt.Printf("Users: %d\n", len(users))
			fmt.Printf("Pending auth budget: %s\n", humanize.IBytes(uint64(cfg.Server.MaxPendingBytes)))

			var healthSrv *health.Server
			if cfg.Server.HealthListen != "" {
				healthCfg := health.DefaultServerConfig()
				healthCfg.Address = cfg.Server.HealthListen
				healthSrv = health.NewServer(healthCfg, &serverStats{srv})
				if err := healthSrv.Start(); err != nil {
					srv.Close()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				fmt.Printf("Health endpoint: http://%s\n", healthSrv.Address())
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run(ctx) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			}

			cancel()
			srv.Close()
			if healthSrv != nil {
				healthSrv.Stop()
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func clientCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the relay client",
		Long:  "Connect to a relay server and expose the configured local forwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateClient(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			clientID, err := cfg.Client.ClientID()
			if err != nil {
				return fmt.Errorf("failed to parse uuid: %w", err)
			}

			tlsConfig, err := transport.LoadClientTLSConfig(
				cfg.Client.ServerName(), cfg.Client.CA,
				cfg.Client.ALPN, cfg.Client.InsecureSkipVerify)
			if err != nil {
				return fmt.Errorf("failed to load TLS config: %w", err)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
			c, err := client.Dial(dialCtx, cfg.Client.Server, tlsConfig,
				transport.Options{
					MaxIdleTimeout: cfg.Client.IdleTimeout,
					Allow0RTT:      cfg.Client.ZeroRTT,
				},
				client.Options{
					ClientID:        clientID,
					Password:        cfg.Client.Password,
					Heartbeat:       cfg.Client.Heartbeat,
					MaxDatagramSize: cfg.Client.MaxDatagramSize,
					UDPRelayMode:    cfg.Client.UDPRelayMode,
				},
				logger, metrics.Default())
			dialCancel()
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer c.Close()

			fmt.Printf("Starting Windrift client...\n")
			fmt.Printf("Connected to: %s\n", cfg.Client.Server)
			fmt.Printf("UDP relay mode: %s\n", cfg.Client.UDPRelayMode)

			stats := &clientStats{client: c}

			type stopper interface{ Stop() error }
			var forwarders []stopper
			defer func() {
				for _, f := range forwarders {
					f.Stop()
				}
			}()

			for _, fc := range cfg.Client.Forwards {
				target, err := protocol.ParseAddress(fc.Target)
				if err != nil {
					return fmt.Errorf("invalid forward target %q: %w", fc.Target, err)
				}

				switch fc.Protocol {
				case "tcp":
					fwd := forward.NewTCP(fc.Listen, target, c, logger)
					if err := fwd.Start(); err != nil {
						return fmt.Errorf("failed to start forward %s: %w", fc.Listen, err)
					}
					forwarders = append(forwarders, fwd)
					fmt.Printf("Forward: %s -> %s (tcp)\n", fwd.Addr(), fc.Target)
				case "udp":
					assoc, err := c.NewAssociation()
					if err != nil {
						return fmt.Errorf("failed to open association: %w", err)
					}
					fwd := forward.NewUDP(fc.Listen, target, assoc, logger)
					if err := fwd.Start(); err != nil {
						return fmt.Errorf("failed to start forward %s: %w", fc.Listen, err)
					}
					forwarders = append(forwarders, fwd)
					fmt.Printf("Forward: %s -> %s (udp)\n", fwd.Addr(), fc.Target)
				}
				stats.forwarders.Add(1)
			}

			var healthSrv *health.Server
			if cfg.Client.HealthListen != "" {
				healthCfg := health.DefaultServerConfig()
				healthCfg.Address = cfg.Client.HealthListen
				healthSrv = health.NewServer(healthCfg, stats)
				if err := healthSrv.Start(); err != nil {
					return fmt.Errorf("failed to start health server: %w", err)
				}
				defer healthSrv.Stop()
				fmt.Printf("Health endpoint: http://%s\n", healthSrv.Address())
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-c.Done():
				fmt.Println("Connection closed by server.")
			}

			fmt.Println("Client stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func certCmd() *cobra.Command {
	var (
		certFile   string
		keyFile    string
		commonName string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed certificate",
		Long:  "Generate a self-signed TLS certificate and key for a relay server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			validFor := time.Duration(days) * 24 * time.Hour
			if err := transport.GenerateAndSaveCert(certFile, keyFile, commonName, validFor); err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			fmt.Printf("Certificate written to %s\n", certFile)
			fmt.Printf("Key written to %s\n", keyFile)
			fmt.Printf("Valid until %s\n", humanize.Time(time.Now().Add(validFor)))
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "./cert.pem", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "./key.pem", "Key output path")
	cmd.Flags().StringVar(&commonName, "cn", "windrift", "Certificate common name")
	cmd.Flags().IntVar(&days, "days", 365, "Validity period in days")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  "Parse and validate a configuration file, then print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			fmt.Printf("Config OK: %s\n", configPath)
			if len(cfg.Server.Users) > 0 {
				fmt.Printf("Server: %s (%d users, pending budget %s)\n",
					cfg.Server.Listen, len(cfg.Server.Users),
					humanize.IBytes(uint64(cfg.Server.MaxPendingBytes)))
			}
			if cfg.Client.Server != "" {
				fmt.Printf("Client: %s (%d forwards)\n",
					cfg.Client.Server, len(cfg.Client.Forwards))
			}
			fmt.Println()
			fmt.Print(cfg.Redacted().String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("windrift %s\n", Version)
		},
	}
}

// serverStats adapts the relay server to the health stats interface.
type serverStats struct {
	srv *relay.Server
}

func (s *serverStats) IsRunning() bool { return s.srv.IsRunning() }

func (s *serverStats) Stats() health.Stats {
	return health.Stats{ConnectionsActive: s.srv.Stats().ConnectionsActive}
}

// clientStats adapts the relay client to the health stats interface.
type clientStats struct {
	client     *client.Client
	forwarders atomic.Int64
}

func (s *clientStats) IsRunning() bool {
	select {
	case <-s.client.Done():
		return false
	default:
		return true
	}
}

func (s *clientStats) Stats() health.Stats {
	return health.Stats{
		AssociationsActive: int64(s.client.AssociationCount()),
		ForwardersActive:   s.forwarders.Load(),
	}
}
