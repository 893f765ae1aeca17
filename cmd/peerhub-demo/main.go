// Command peerhub-demo is a small interactive CLI exercising join,
// discover, and relay against a running signaling server, in the shape of
// the teacher's own wt CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerhub/peerhub/internal/client"
	"github.com/peerhub/peerhub/internal/config"
	"github.com/peerhub/peerhub/internal/identity"
	"github.com/peerhub/peerhub/internal/signaling"
)

func main() {
	var configPath string
	var urlFlag string

	root := &cobra.Command{
		Use:   "peerhub-demo",
		Short: "peerhub-demo — exercise a signaling server from the command line",
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to client config YAML")
	root.PersistentFlags().StringVar(&urlFlag, "url", "", "Signaling server URL (overrides config)")

	root.AddCommand(
		joinCmd(&configPath, &urlFlag),
		discoverCmd(&configPath, &urlFlag),
		relayCmd(&configPath, &urlFlag),
		whoamiCmd(&configPath, &urlFlag),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "peerhub.yaml"
	}
	return filepath.Join(home, ".peerhub", "config.yaml")
}

func loadClientConfig(path, urlOverride string) (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if urlOverride != "" {
		cfg.URL = urlOverride
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("no signaling URL: set --url or url: in %s", path)
	}
	return cfg, nil
}

// loadOrGenerateIdentity restores the keypair saved alongside the config
// file, generating and persisting a new one on first run.
func loadOrGenerateIdentity(cfg *config.ClientConfig, configPath string) (*identity.Identity, error) {
	keyPath := cfg.IdentityKeyFile
	if keyPath == "" {
		keyPath = filepath.Join(filepath.Dir(configPath), "identity.json")
	}

	id := &identity.Identity{}
	if data, err := os.ReadFile(keyPath); err == nil {
		var exported identity.Exported
		if err := json.Unmarshal(data, &exported); err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		if err := id.RestoreFrom(exported); err != nil {
			return nil, fmt.Errorf("restore identity: %w", err)
		}
		return id, nil
	}

	if err := id.Generate(); err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	exported, err := id.Keys.Export()
	if err != nil {
		return nil, fmt.Errorf("export identity: %w", err)
	}
	data, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(keyPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

// connectCoordinator loads config and identity, dials the signaling
// server, and blocks until registration completes or ctx is done.
func connectCoordinator(ctx context.Context, configPath, urlOverride string) (*client.Coordinator, error) {
	cfg, err := loadClientConfig(configPath, urlOverride)
	if err != nil {
		return nil, err
	}
	id, err := loadOrGenerateIdentity(cfg, configPath)
	if err != nil {
		return nil, err
	}

	c := client.New(cfg, id, nil)

	registered := make(chan string, 1)
	c.Bus().Once("registered", func(args ...any) {
		fp, _ := args[0].(string)
		registered <- fp
	})

	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	select {
	case <-registered:
		return c, nil
	case <-ctx.Done():
		c.Disconnect()
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		c.Disconnect()
		return nil, fmt.Errorf("registration timed out")
	}
}

func joinCmd(configPath, url *string) *cobra.Command {
	var appType string
	cmd := &cobra.Command{
		Use:   "join [namespace]",
		Short: "Join a namespace and print the current peer list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			c, err := connectCoordinator(ctx, *configPath, *url)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			peers, err := c.Join(ctx, args[0], appType)
			if err != nil {
				return fmt.Errorf("join: %w", err)
			}
			fmt.Printf("joined %q as %s\n", args[0], c.Fingerprint())
			printPeers(peers)
			return nil
		},
	}
	cmd.Flags().StringVar(&appType, "app-type", "", "Application type filter")
	return cmd
}

func discoverCmd(configPath, url *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "discover [namespace]",
		Short: "List peers currently registered in a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			c, err := connectCoordinator(ctx, *configPath, *url)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			peers, err := c.Discover(ctx, args[0], limit)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			printPeers(peers)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum peers to return")
	return cmd
}

func relayCmd(configPath, url *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay [fingerprint] [message]",
		Short: "Send a one-off message to a peer via server relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			c, err := connectCoordinator(ctx, *configPath, *url)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			payload, err := json.Marshal(args[1])
			if err != nil {
				return err
			}
			if err := c.Relay(args[0], payload); err != nil {
				return fmt.Errorf("relay: %w", err)
			}
			fmt.Printf("sent to %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func whoamiCmd(configPath, url *string) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Connect, register, and print this client's fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			c, err := connectCoordinator(ctx, *configPath, *url)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			fmt.Println(c.Fingerprint())
			return nil
		},
	}
}

func printPeers(peers []signaling.PeerInfo) {
	if len(peers) == 0 {
		fmt.Println("no peers")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tALIAS\tAPP TYPE")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Fingerprint, p.Alias, p.AppType)
	}
	w.Flush()
}
