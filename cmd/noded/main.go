// Command noded is the single static binary described in spec.md §6: it
// parses the node's flags/env, wires the kernel, the capability oracle, the
// ETH provider multiplexer, and the two indexers together, runs State
// Bootstrap once, then blocks until an interrupt signal or the router's
// context is canceled. Grounded on the teacher's cmd/*/main.go entry
// points: flag parsing into a Config, a logger/metrics bring-up block,
// then a signal.Notify-driven shutdown sequence.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/noded/infrastructure/chain"
	"github.com/R3E-Network/noded/infrastructure/config"
	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/infrastructure/metrics"
	"github.com/R3E-Network/noded/infrastructure/store"
	"github.com/R3E-Network/noded/runtime/ethmux"
	"github.com/R3E-Network/noded/runtime/identityindexer"
	"github.com/R3E-Network/noded/runtime/packageindexer"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/bootstrap"
	"github.com/R3E-Network/noded/system/capability"
	"github.com/R3E-Network/noded/system/kernel"
	"github.com/R3E-Network/noded/system/vfs"
)

// localNode is the network identity this node answers to; until multi-node
// peering is wired (out of scope per spec.md §1), every node is its own
// sole peer.
const localNode = "local"

// Pseudo process ids the runtime extensions register under, so the
// capability oracle and kernel router can address them like any other
// process (spec.md §4.6 step 4's "every runtime extension").
var (
	ethmuxPID        = address.ProcessId{Name: "ethmux", Package: "runtime", Publisher: "system"}
	identityIndexPID = address.ProcessId{Name: "identity-indexer", Package: "runtime", Publisher: "system"}
	packageIndexPID  = address.ProcessId{Name: "package-indexer", Package: "runtime", Publisher: "system"}
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on a graceful, signal-free exit
// (the router's Run returning because its context was canceled some other
// way), non-zero on a crash or on any of the intercepted signals, per
// spec.md §6.
func run() int {
	config.LoadDotEnv(".env")

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "noded:", err)
		return 1
	}

	obs, err := config.LoadObservability()
	if err != nil {
		fmt.Fprintln(os.Stderr, "noded:", err)
		return 1
	}

	log := logging.New("noded", verbosityToLevel(cfg.Verbosity), obs.LogFormat)
	if cfg.LoggingOff {
		log.SetOutput(os.Stdout)
	} else if cfg.MaxLogSize > 0 {
		logFile, err := newRotatingFile(filepath.Join(cfg.Home, "noded.log"), cfg.MaxLogSize, cfg.NumberLogFiles)
		if err != nil {
			fmt.Fprintln(os.Stderr, "noded:", err)
			return 1
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	m := metrics.New()
	go serveMetrics(obs.MetricsBindAddr, log)

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		log.WithError(err).Error("failed to create home directory")
		return 1
	}

	applySoftUlimit(cfg.SoftUlimit, log)

	networkKey, fingerprint, err := loadOrCreateNetworkKey(cfg.Home, cfg.Password)
	if err != nil {
		log.WithError(err).Error("failed to load network key")
		return 1
	}

	st, err := store.Open(filepath.Join(cfg.Home, "kernel", "state.db"))
	if err != nil {
		log.WithError(err).Error("failed to open kernel store")
		return 1
	}
	defer st.Close()

	oracle := capability.New(localNode, networkKey, fingerprint, m)
	host := newUnimplementedHost(log)
	router := kernel.New(localNode, oracle, host, localTransport{}, log, m)
	vfsRoot := vfs.New(cfg.Home)

	bootCfg := bootstrap.Config{
		Home:              cfg.Home,
		Router:            router,
		Oracle:            oracle,
		VFS:               vfsRoot,
		Store:             st,
		Log:               log,
		RuntimeExtensions: []address.ProcessId{ethmuxPID, identityIndexPID, packageIndexPID},
	}
	boot := bootstrap.New(bootCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := boot.Run(ctx, networkKey, fingerprint); err != nil {
		log.WithError(err).Error("bootstrap failed")
		return 1
	}

	mux, err := wireEthmux(cfg, oracle, log, m)
	if err != nil {
		log.WithError(err).Error("failed to wire ETH multiplexer")
		return 1
	}

	identityIdx, err := wireIdentityIndexer(cfg, mux, st, oracle, log, m)
	if err != nil {
		log.WithError(err).Error("failed to wire identity indexer")
		return 1
	}

	packageIdx, err := wirePackageIndexer(cfg, mux, identityIdx, log, m)
	if err != nil {
		log.WithError(err).Error("failed to wire package indexer")
		return 1
	}

	if err := identityIdx.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start identity indexer")
		return 1
	}
	if err := packageIdx.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start package indexer")
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGALRM, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)

	routerDone := make(chan struct{})
	go func() {
		router.Run(ctx)
		close(routerDone)
	}()

	go runCheckpointLoop(ctx, st, filepath.Join(cfg.Home, "kernel", "backup"), log)

	log.WithFields(map[string]interface{}{"home": cfg.Home}).Info("noded started")

	select {
	case sig := <-sigCh:
		log.WithFields(map[string]interface{}{"signal": sig.String()}).Warn("intercepted signal, shutting down")
		shutdown(router, identityIdx, packageIdx, cancel, log)
		<-routerDone
		return 1
	case <-routerDone:
		log.Info("graceful exit")
		return 0
	}
}

// checkpointInterval is how often the kernel store is hot-copied into
// home/kernel/backup/, per spec.md §6's persisted state layout.
const checkpointInterval = 15 * time.Minute

// checkpointKeep is how many recent checkpoint files runCheckpointLoop
// retains before pruning the oldest.
const checkpointKeep = 4

// runCheckpointLoop periodically snapshots st into dir until ctx is
// cancelled, pruning down to the most recent checkpointKeep files.
func runCheckpointLoop(ctx context.Context, st *store.Store, dir string, log *logging.Logger) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			name := now.UTC().Format("20060102T150405Z") + ".db"
			if err := st.Checkpoint(dir, name); err != nil {
				log.WithError(err).Warn("kernel store checkpoint failed")
				continue
			}
			pruneCheckpoints(dir, checkpointKeep, log)
		}
	}
}

// pruneCheckpoints removes all but the keep most recent entries of dir,
// relying on the timestamped filename's lexical order matching time order.
func pruneCheckpoints(dir string, keep int, log *logging.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Warn("failed to list checkpoint directory")
		return
	}
	if len(entries) <= keep {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries[:len(entries)-keep] {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.WithError(err).Warn("failed to prune old checkpoint")
		}
	}
}

func shutdown(router *kernel.Router, identityIdx *identityindexer.Indexer, packageIdx *packageindexer.Indexer, cancel context.CancelFunc, log *logging.Logger) {
	identityIdx.Stop()
	packageIdx.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := router.Shutdown(shutdownCtx, nil); err != nil {
		log.WithError(err).Error("error during kernel shutdown")
	}
	cancel()
}

func verbosityToLevel(verbosity int) string {
	switch verbosity {
	case 0:
		return "info"
	case 1:
		return "debug"
	default:
		return "trace"
	}
}

func serveMetrics(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("metrics server exited")
	}
}

// wireEthmux builds the ETH Provider Multiplexer, loading any persisted
// `.eth_providers` / `.eth_access_settings` files and the `--rpc`/
// `--rpc-config` flags.
func wireEthmux(cfg *config.NodeConfig, oracle *capability.Oracle, log *logging.Logger, m *metrics.Metrics) (*ethmux.Multiplexer, error) {
	pool := ethmux.NewPool()

	providersPath := filepath.Join(cfg.Home, ".eth_providers")
	providers, err := ethmux.LoadProviders(providersPath)
	if err != nil {
		return nil, err
	}
	if cfg.RPCConfigPath != "" {
		extra, err := ethmux.LoadProviders(cfg.RPCConfigPath)
		if err != nil {
			return nil, err
		}
		providers = append(providers, extra...)
	}
	chainID, _, _ := pkiChainConfig()
	if cfg.RPC != "" {
		providers = append(providers, ethmux.ProviderConfig{ChainID: chainID, RPCURL: &ethmux.RPCURLProviderConfig{URL: cfg.RPC}})
	}

	ethmux.BuildPool(pool, providers, func(url string) (*chain.Client, error) {
		return chain.NewClient(chain.Config{URL: url})
	}, nil)

	if err := ethmux.SaveProviders(providersPath, providers); err != nil {
		log.WithError(err).Warn("failed to persist providers file")
	}

	accessPath := filepath.Join(cfg.Home, ".eth_access_settings")
	settings, err := ethmux.LoadAccessSettingsFile(accessPath)
	if err != nil {
		return nil, err
	}

	selfAddr := address.Address{Node: localNode, Process: ethmuxPID}
	gate := ethmux.NewAccessGate(oracle, selfAddr, settings)
	cache := ethmux.NewRequestCache(1024)

	return ethmux.NewMultiplexer(pool, cache, gate, nil, ethmux.NewSubscriptionTable(), log, m), nil
}

// pkiChainConfig reads the PKI contract's chain id, address, and first
// block from the environment — ambient deployment settings that spec.md
// §6's fixed CLI surface has no flag for, so they are env-only.
func pkiChainConfig() (chainID uint64, contractAddr string, firstBlock uint64) {
	return config.GetEnvUint64("NODED_PKI_CHAIN_ID", 1),
		config.GetEnv("NODED_PKI_CONTRACT", ""),
		config.GetEnvUint64("NODED_PKI_FIRST_BLOCK", 0)
}

func wireIdentityIndexer(cfg *config.NodeConfig, mux *ethmux.Multiplexer, st *store.Store, oracle *capability.Oracle, log *logging.Logger, m *metrics.Metrics) (*identityindexer.Indexer, error) {
	chainID, contractAddr, firstBlock := pkiChainConfig()

	bucket, err := st.Bucket("identity_indexer")
	if err != nil {
		return nil, err
	}

	src := identityindexer.NewChainSource(mux, chainID, contractAddr, firstBlock)
	return identityindexer.New(identityindexer.Config{
		Source:  src,
		Store:   bucket,
		Oracle:  oracle,
		Self:    address.Address{Node: localNode, Process: identityIndexPID},
		Log:     log,
		Metrics: m,
	})
}

func wirePackageIndexer(cfg *config.NodeConfig, mux *ethmux.Multiplexer, identityIdx *identityindexer.Indexer, log *logging.Logger, m *metrics.Metrics) (*packageindexer.Indexer, error) {
	chainID, contractAddr, firstBlock := pkiChainConfig()

	st, needsReplay, err := packageindexer.OpenStorage(filepath.Join(cfg.Home, "kernel", "packages.db"))
	if err != nil {
		return nil, err
	}
	if needsReplay {
		log.Info("package indexer schema requires a full replay from the contract's first block")
	}

	src := packageindexer.NewChainSource(mux, chainID, contractAddr, firstBlock)
	return packageindexer.New(packageindexer.Config{
		Source:  src,
		Names:   identityIdx,
		Storage: st,
		Log:     log,
		Metrics: m,
	})
}
