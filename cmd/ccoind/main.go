// zkvmd is the node daemon: it holds the chain's persistent state, relays
// transactions to and from the network, and keeps a pending-transaction
// pool ready for whatever block-assembly process runs alongside it. Block
// production and consensus policy are not implemented here — see §1's
// Non-goals — this binary only wires the storage, transport, and mempool
// layers together.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ccoin/zkvm-core/internal/cloak"
	"github.com/ccoin/zkvm-core/internal/mempool"
	"github.com/ccoin/zkvm-core/internal/p2p"
	"github.com/ccoin/zkvm-core/internal/storage"
	"github.com/ccoin/zkvm-core/internal/txverify"
	"github.com/ccoin/zkvm-core/pkg/types"
)

const (
	version = "0.1.0"
	banner  = `
 ______ _    __      ____  ___
|___  /| |  / /     |  _ \|__ \
   / / | | / /_____ | |_) |  ) |
  / /  | |/ /______ |  _ <  / /
 / /__ |   <        | |_) |/ /_
/_____||_|\_\       |____/|____|

  zkvmd v%s
`
)

// Config holds node configuration.
type Config struct {
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	ListenAddr string
	EnableMDNS bool

	DataDir string
}

func main() {
	cfg := parseFlags()
	fmt.Printf(banner, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DBHost, "db-host", "localhost", "PostgreSQL host")
	flag.IntVar(&cfg.DBPort, "db-port", 5432, "PostgreSQL port")
	flag.StringVar(&cfg.DBUser, "db-user", "zkvm", "PostgreSQL user")
	flag.StringVar(&cfg.DBPassword, "db-password", "", "PostgreSQL password")
	flag.StringVar(&cfg.DBName, "db-name", "zkvm", "PostgreSQL database name")

	flag.StringVar(&cfg.ListenAddr, "listen", "/ip4/0.0.0.0/tcp/9000", "P2P listen address")
	flag.BoolVar(&cfg.EnableMDNS, "mdns", true, "Enable local peer discovery via mDNS")

	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Data directory")

	flag.Parse()
	return cfg
}

func run(ctx context.Context, cfg *Config) error {
	fmt.Println("Initializing node...")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	fmt.Println("Connecting to database...")
	store, err := storage.NewPostgresStore(ctx, &storage.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  "disable",
		MaxConns: 20,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()
	fmt.Println("Database connected.")

	if tip, err := store.GetChainTip(ctx); err == nil {
		fmt.Printf("Resuming at height %d (previous block %s)\n", tip.Height, types.HashFromBytes(tip.PrevID[:]).String())
	} else {
		fmt.Println("No existing chain tip found; starting from genesis.")
	}

	fmt.Println("Starting P2P transaction relay...")
	node, err := p2p.NewNode(ctx, &p2p.Config{
		ListenAddrs: []string{cfg.ListenAddr},
		EnableMDNS:  cfg.EnableMDNS,
	})
	if err != nil {
		return fmt.Errorf("failed to start P2P node: %w", err)
	}
	defer node.Close()
	fmt.Printf("Listening as %s\n", node.ID())

	cloakMgr := cloak.NewManager()
	verifier := &txVerifier{cloak: cloakMgr}
	pool := mempool.New(nil, verifier, nil)

	relayed, err := node.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to transaction relay: %w", err)
	}
	go func() {
		for tx := range relayed {
			if _, err := pool.Add(tx); err != nil {
				continue
			}
		}
	}()

	fmt.Println("Node started successfully. Press Ctrl+C to stop.")
	<-ctx.Done()

	fmt.Printf("Node stopped. %d transactions were pending.\n", pool.Size())
	return nil
}

// txVerifier adapts internal/txverify to mempool.Verifier, reporting the
// input opcode's contract IDs as the spend set a double-spend check needs.
type txVerifier struct {
	cloak *cloak.Manager
}

func (v *txVerifier) Verify(tx *types.Tx) (types.Hash, []types.Hash, error) {
	m, txid, err := txverify.Execute(tx, v.cloak)
	if err != nil {
		return types.Hash{}, nil, err
	}
	if _, err := txverify.Verify(tx, v.cloak); err != nil {
		return types.Hash{}, nil, err
	}
	var spent []types.Hash
	for _, entry := range m.TxLog {
		if entry.Kind == "input" {
			spent = append(spent, types.HashFromBytes(entry.Data))
		}
	}
	return txid, spent, nil
}
