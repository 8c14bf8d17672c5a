package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"optchain.dev/node/consensus"
	"optchain.dev/node/node"
	"optchain.dev/node/node/store"
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// hexTargetFlag parses a 64-char hex string into a consensus.H256, per
// spec.md §6 ("--tDiff, --pDiff, --aDiff, --iDiff are 64-char hex strings
// parsed as 32-byte big-endian difficulty targets").
type hexTargetFlag struct {
	value *consensus.H256
}

func (f hexTargetFlag) String() string {
	if f.value == nil {
		return ""
	}
	return f.value.String()
}

func (f hexTargetFlag) Set(raw string) error {
	h, err := consensus.HashFromHex(raw)
	if err != nil {
		return fmt.Errorf("invalid difficulty target %q: %w", raw, err)
	}
	*f.value = h
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := node.DefaultConfig()
	var peers multiStringFlag

	cfg := defaults
	fs := flag.NewFlagSet("optchain", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.P2PAddr, "p2p", defaults.P2PAddr, "P2P listen address")
	fs.StringVar(&cfg.APIAddr, "api", defaults.APIAddr, "HTTP control API listen address")
	fs.Var(&peers, "connect", "bootstrap peer host:port (repeatable)")
	fs.Var(&peers, "c", "bootstrap peer host:port (repeatable, shorthand)")
	fs.IntVar(&cfg.P2PWorkers, "p2p-workers", defaults.P2PWorkers, "number of concurrent accept-loop workers")
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "node data directory")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")

	shardID := fs.Uint("shardId", uint(defaults.ShardID), "this node's shard id")
	fs.UintVar(&cfg.NodeID, "nodeId", uint(defaults.NodeID), "this node's id within its shard")
	fs.IntVar(&cfg.ExperNumber, "experNumber", defaults.ExperNumber, "experiment number (telemetry-only)")
	fs.IntVar(&cfg.ExperIter, "experIter", defaults.ExperIter, "experiment iteration (telemetry-only)")
	fs.IntVar(&cfg.ShardNum, "shardNum", defaults.ShardNum, "number of shards")
	fs.IntVar(&cfg.ShardSize, "shardSize", defaults.ShardSize, "nodes per shard (telemetry-only)")
	fs.IntVar(&cfg.BlockSize, "blockSize", defaults.BlockSize, "transactions per transaction block")
	fs.IntVar(&cfg.SymbolSize, "symbolSize", defaults.SymbolSize, "transactions per symbol")
	fs.IntVar(&cfg.PropSize, "propSize", defaults.PropSize, "commitments per proposer block")
	fs.IntVar(&cfg.AvaiSize, "avaiSize", defaults.AvaiSize, "commitments per availability block")
	fs.IntVar(&cfg.ExReqNum, "eReq", defaults.ExReqNum, "symbols sampled per exclusive commitment")
	fs.IntVar(&cfg.InReqNum, "iReq", defaults.InReqNum, "symbols sampled per inclusive commitment")
	fs.IntVar(&cfg.K, "k", defaults.K, "confirmation depth")

	fs.Var(hexTargetFlag{&cfg.TxDiff}, "tDiff", "transaction block PoW target (64-char hex)")
	fs.Var(hexTargetFlag{&cfg.PropDiff}, "pDiff", "proposer block PoW target (64-char hex)")
	fs.Var(hexTargetFlag{&cfg.AvaiDiff}, "aDiff", "exclusive availability block PoW target (64-char hex)")
	fs.Var(hexTargetFlag{&cfg.InAvaiDiff}, "iDiff", "inclusive availability block PoW target (64-char hex)")

	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg.ShardID = uint32(*shardID)

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.ConnectTo = node.NormalizePeers(peers...)
	if err := node.ValidateConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 1
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return 1
	}
	db, err := store.Open(cfg.DataDir, uint32(cfg.ShardNum))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 1
	}
	defer db.Close() //nolint:errcheck

	propGenesis, avaiGenesis, orderGenesis, err := genesisBlocks(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "genesis construction failed: %v\n", err)
		return 1
	}
	mc := node.NewMultichain(cfg.ShardID, cfg.ShardNum, cfg.K, propGenesis, avaiGenesis, orderGenesis)
	mempool := node.NewMempool()
	symbolPool := node.NewSymbolPool(db, cfg.ExReqNum, cfg.InReqNum, cfg.NumSymbolPerBlock())

	// Network needs a Broadcaster (Server) and Server needs a Handler
	// (Network): build both, then wire them together before Start.
	srv := node.NewServer(cfg, nil, log)
	net := node.NewNetwork(cfg, mc, mempool, symbolPool, srv, log)
	srv.SetHandler(net)

	miner := node.NewMiner(cfg, net, mc, mempool, node.DefaultMinerConfig(), log)
	verifier := node.NewVerifier(net, time.Duration(cfg.VerifierInterval)*time.Second, log)
	api := node.NewHTTPAPI(miner, net, log)

	if err := srv.Start(); err != nil {
		_, _ = fmt.Fprintf(stderr, "p2p listen failed: %v\n", err)
		return 1
	}
	defer srv.Stop()
	verifier.Start()
	defer verifier.Stop()

	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: api}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http api listen failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintln(stdout, "optchain node running")
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	miner.Stop()
	_, _ = fmt.Fprintln(stdout, "optchain node stopped")
	return 0
}

// genesisBlocks builds the fixed, zero-parent genesis set every node in a
// deployment must construct identically: one proposer genesis, one
// exclusive-availability genesis per shard, and one ordering genesis, each
// carrying a single placeholder transaction block so their commitment
// trees are never empty (consensus.NewMerkleTree rejects an empty leaf
// set). Genesis blocks are seeded directly by NewMultichain and never pass
// through the network's PoW/target check (Network.checkPow), so nonce 0 and
// timestamp 0 are fine.
func genesisBlocks(cfg node.Config) (consensus.VersaBlock, []consensus.VersaBlock, consensus.OrderingBlock, error) {
	placeholder := func(shardID uint32) consensus.TransactionBlock {
		return consensus.TransactionBlock{Header: consensus.BlockHeader{ShardID: shardID, Timestamp: 0}}
	}

	propTree, err := consensus.NewMerkleTree([]consensus.TransactionBlock{placeholder(0)})
	if err != nil {
		return consensus.VersaBlock{}, nil, consensus.OrderingBlock{}, err
	}
	propHeader := consensus.BlockHeader{ShardID: 0, PropRoot: propTree.Root(), Timestamp: 0}
	propGenesis := consensus.NewVersaProposer(consensus.NewProposerBlock(propHeader, 0, propTree))

	avaiGenesis := make([]consensus.VersaBlock, cfg.ShardNum)
	for s := 0; s < cfg.ShardNum; s++ {
		tree, err := consensus.NewMerkleTree([]consensus.TransactionBlock{placeholder(uint32(s))})
		if err != nil {
			return consensus.VersaBlock{}, nil, consensus.OrderingBlock{}, err
		}
		header := consensus.BlockHeader{ShardID: uint32(s), AvaiRoot: tree.Root(), Timestamp: 0}
		avaiGenesis[s] = consensus.NewVersaAvailability(consensus.NewAvailabilityBlock(header, uint32(s), consensus.Exclusive, tree))
	}

	orderHeader := consensus.BlockHeader{OrderRoot: consensus.ConfirmedAvailabilityRoot(nil), Timestamp: 0}
	orderGenesis := consensus.NewOrderingBlock(orderHeader, 0, nil)

	return propGenesis, avaiGenesis, orderGenesis, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var zl zap.AtomicLevel
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg.Level = zl
	return cfg.Build()
}

func printConfig(w io.Writer, cfg node.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
