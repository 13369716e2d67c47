package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bhandras/tonconnect/internal/bridge"
	"github.com/bhandras/tonconnect/internal/config"
	"github.com/bhandras/tonconnect/internal/provider"
	"github.com/bhandras/tonconnect/internal/version"
	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/bhandras/tonconnect/pkg/storage"
	"github.com/bhandras/tonconnect/pkg/wallets"
	"github.com/bhandras/tonconnect/sdk"
	"github.com/spf13/cobra"
)

var (
	configPath string
	sessionKey string
	debug      bool

	cfg *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tonconnect",
		Short:         "TON Connect dApp client",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if sessionKey != "" {
				loaded.SessionKey = sessionKey
			}
			if debug {
				loaded.Log.Level = "debug"
			}
			if _, err := logger.Setup(loaded.Log); err != nil {
				return fmt.Errorf("setup logger: %w", err)
			}
			cfg = loaded
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./tonconnect.yaml or ~/.tonconnect/tonconnect.yaml)")
	root.PersistentFlags().StringVar(&sessionKey, "session", "", "session key namespacing the stored connection")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		connectCmd(),
		restoreCmd(),
		disconnectCmd(),
		sendTxCmd(),
		signDataCmd(),
		proofCmd(),
		serveCmd(),
		walletsCmd(),
		configCmd(),
	)
	return root
}

// openStore opens the configured storage backend. The returned closer
// releases it.
func openStore(ctx context.Context, c *config.Config) (*storage.Store, func() error, error) {
	var (
		backend storage.Storage
		closer  = func() error { return nil }
	)

	switch c.Storage.Kind {
	case config.StorageMemory:
		backend = storage.NewMemoryStorage()

	case config.StorageFile:
		fs, err := storage.NewFileStorage(c.StoragePath())
		if err != nil {
			return nil, nil, err
		}
		backend = fs

	case config.StorageSQLite:
		path := c.StoragePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		db, err := storage.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		backend = db
		closer = db.Close

	case config.StorageRedis:
		r, err := storage.OpenRedis(ctx, c.StoragePath())
		if err != nil {
			return nil, nil, err
		}
		backend = r
		closer = r.Close

	default:
		return nil, nil, fmt.Errorf("unknown storage kind %q", c.Storage.Kind)
	}

	store := storage.NewStore(backend, c.SessionKey, storage.WithPendingTTL(c.Storage.PendingTTL))
	return store, closer, nil
}

// newConnector wires a Connector from the configuration.
func newConnector(c *config.Config, store *storage.Store) *sdk.Connector {
	return sdk.NewConnector(store,
		sdk.WithManifestURL(c.ManifestURL),
		sdk.WithConnectTimeout(c.Timeout.Connect),
		sdk.WithRequestTimeout(c.Timeout.Request),
		sdk.WithProviderOptions(
			provider.WithOpenTimeout(c.Bridge.OpenTimeout),
			provider.WithSendRetry(c.Bridge.SendAttempts, c.Bridge.SendDelay),
			provider.WithMessageTTL(c.Bridge.MessageTTL),
		),
		sdk.WithGatewayOptions(
			bridge.WithReconnect(c.Bridge.ReconnectDelay, c.Bridge.ReconnectAttempts),
		),
	)
}

func newRegistry(c *config.Config) *wallets.Registry {
	return wallets.NewRegistry(
		wallets.WithListURL(c.Wallets.ListURL),
		wallets.WithCacheTTL(c.Wallets.CacheTTL),
	)
}

// session is an opened store plus a connector over it.
type session struct {
	conn  *sdk.Connector
	close func()
}

// openSession opens storage and a connector. With restore set, a stored
// active connection is required.
func openSession(ctx context.Context, restore bool) (*session, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	conn := newConnector(cfg, store)
	s := &session{
		conn: conn,
		close: func() {
			conn.Close()
			if err := closeStore(); err != nil {
				logger.Warnf("close storage: %v", err)
			}
		},
	}

	if !restore {
		return s, nil
	}
	ok, err := conn.Restore(ctx)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("restore connection: %w", err)
	}
	if !ok {
		s.close()
		return nil, fmt.Errorf("no active connection for session %q, run connect first", cfg.SessionKey)
	}
	return s, nil
}
