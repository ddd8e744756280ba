package main

import (
	"context"
	"crypto/sha256"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/reliquary/reliquary/params"
	"github.com/reliquary/reliquary/pkg/api"
	"github.com/reliquary/reliquary/pkg/core"
	"github.com/reliquary/reliquary/pkg/decrypt"
	"github.com/reliquary/reliquary/pkg/p2p"
	"github.com/reliquary/reliquary/pkg/storage"
	"github.com/reliquary/reliquary/pkg/threshold"
	"github.com/reliquary/reliquary/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		sugar.Fatalw("data_dir_create_failed", "dir", cfg.Node.DataDir, "err", err)
	}

	// Master seed for HMAC keyrings. Every committee member must share it.
	seedStr := os.Getenv("MASTER_SEED")
	if seedStr == "" {
		seedStr = "reliquary-dev-seed"
		sugar.Warn("MASTER_SEED not set, using development seed")
	}
	seed := sha256.Sum256([]byte(seedStr))

	// ---- Persistence ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "err", err)
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "decisions.wal"))
	if err != nil {
		sugar.Fatalw("wal_open_failed", "err", err)
	}
	defer wal.Close()

	vault := decrypt.NewMemoryVault(decrypt.ChaChaBackend{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Consensus transport: LISTEN selects libp2p gossip across processes,
	// otherwise the committee stays on the in-process hub.
	var transport p2p.Hub
	if cfg.Node.ListenAddr != "" {
		lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.Node.ListenAddr,
			Bootstrap:  cfg.Node.Bootstrap,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "listen", cfg.Node.ListenAddr, "err", err)
		}
		defer lpn.Close()
		transport = lpn
	}

	c, err := core.New(ctx, cfg, core.Options{
		MasterSeed:  seed[:],
		AuditStore:  store,
		Persister:   store,
		WAL:         wal,
		Vault:       vault,
		KeyResolver: vault.ResolveKey,
		Transport:   transport,
		Results:     store,
		Logger:      sugar,
	})
	if err != nil {
		sugar.Fatalw("core_init_failed", "err", err)
	}
	defer c.Close()

	// Rehydrate threshold schemes and shares from disk.
	schemes, err := store.LoadSchemes()
	if err != nil {
		sugar.Fatalw("scheme_load_failed", "err", err)
	}
	shares := make(map[string][]threshold.Share, len(schemes))
	for _, sch := range schemes {
		ss, err := store.LoadShares(sch.ID)
		if err != nil {
			sugar.Fatalw("share_load_failed", "scheme", sch.ID, "err", err)
		}
		shares[sch.ID] = ss
	}
	c.Threshold.Restore(schemes, shares)
	sugar.Infow("threshold_restored", "schemes", len(schemes))

	// ---- API Server ----
	apiServer := api.NewServer(c, sugar)
	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"agents", len(cfg.Consensus.Agents),
		"audit_len", c.Audit.Len())

	<-ctx.Done()
	sugar.Info("shutting_down")
}
