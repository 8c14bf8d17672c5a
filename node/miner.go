package node

import (
	"context"
	crand "crypto/rand"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"optchain.dev/node/consensus"
)

// idlePause is how long a task sleeps before retrying when it finds nothing
// to mine yet (an empty mempool, no unreferred commitments, no new
// confirmed availability set). It isn't gated by lambda: lambda paces
// successful mines, not empty-queue polling.
const idlePause = 200 * time.Millisecond

// MinerConfig controls timestamping and devnet transaction generation.
// Grounded on the teacher's MinerConfig/TimestampSource split: timestamping
// is still pluggable, while the single Bitcoin-style Target field is gone
// since each of the four tasks now reads its own target straight off
// Config.
type MinerConfig struct {
	TimestampSource func() uint64
}

func DefaultMinerConfig() MinerConfig {
	return MinerConfig{
		TimestampSource: func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// Miner runs the four independent PoW tasks of spec.md §4.6 (transaction,
// proposer, availability, ordering block mining), each sweeping its own
// nonce stream and handing the result to the network's SubmitMined* methods
// for post-processing and broadcast — the Go-side counterpart of
// original_source's worker_loop dispatch, run forward from the mining side
// instead of backward from a finished-block channel.
type Miner struct {
	cfg     Config
	net     *Network
	mc      *Multichain
	mempool *Mempool
	mcfg    MinerConfig
	log     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewMiner(cfg Config, net *Network, mc *Multichain, mempool *Mempool, mcfg MinerConfig, log *zap.Logger) *Miner {
	if log == nil {
		log = zap.NewNop()
	}
	if mcfg.TimestampSource == nil {
		mcfg.TimestampSource = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Miner{cfg: cfg, net: net, mc: mc, mempool: mempool, mcfg: mcfg, log: log}
}

// Start launches the four PoW tasks as separate goroutines. lambda is the
// mean inter-attempt delay in milliseconds a task waits after a successful
// mine before assembling its next candidate (spec.md §6's
// "/miner/start?lambda=<u64>") — a devnet pacing knob, not a protocol
// constant; 0 means mine flat out. A second Start call while already
// running is a no-op.
func (m *Miner) Start(lambda uint64) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	tasks := []func(context.Context, uint64){
		m.runTxTask,
		m.runProposerTask,
		m.runAvailabilityTask,
		m.runOrderingTask,
	}
	for _, task := range tasks {
		task := task
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			task(ctx, lambda)
		}()
	}
}

// Stop cancels every running task and waits for them to return. A second
// call after the miner is already stopped is a no-op.
func (m *Miner) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Running reports whether the miner's four tasks are currently active.
func (m *Miner) Running() bool { return m.running.Load() }

// sleep pauses for d or returns false early if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// throttle waits an exponentially distributed delay with mean lambda
// milliseconds, the Poisson-arrival pacing spec.md §4.6 describes for
// inter-attempt spacing. lambda == 0 disables throttling entirely.
func throttle(ctx context.Context, lambda uint64) bool {
	if lambda == 0 {
		return sleep(ctx, 0)
	}
	delay := time.Duration(rand.ExpFloat64() * float64(lambda) * float64(time.Millisecond))
	return sleep(ctx, delay)
}

// sweepNonce searches nonces 0..2^32 for the first that satisfies target
// against headerHash, checking for cancellation every iteration exactly as
// the teacher's MineOne loop does. Returns false if ctx is cancelled or the
// full nonce space is exhausted without success.
func sweepNonce(ctx context.Context, headerHash consensus.H256, target consensus.H256) (uint32, bool) {
	nonce := uint32(0)
	for {
		select {
		case <-ctx.Done():
			return 0, false
		default:
		}
		if consensus.CheckPow(consensus.PowHash(headerHash, nonce), target) {
			return nonce, true
		}
		if nonce == ^uint32(0) {
			return 0, false
		}
		nonce++
	}
}

// randomTransactions is the devnet stress generator: transactions are
// opaque payloads to this protocol (consensus/transaction.go), so with no
// real client submitting them, the miner fabricates n of them with random
// content to keep the four chains moving under local/devnet bring-up.
func randomTransactions(n int) []consensus.Transaction {
	out := make([]consensus.Transaction, n)
	for i := range out {
		payload := make([]byte, 32)
		crand.Read(payload)
		out[i] = consensus.Transaction{Payload: payload}
	}
	return out
}

// --- transaction block task ---

func (m *Miner) runTxTask(ctx context.Context, lambda uint64) {
	for {
		tb, symbols, ok := m.mineTxBlock(ctx)
		if !ok {
			return
		}
		if err := m.net.SubmitMinedTxBlock(tb, symbols); err != nil {
			m.log.Info("submit mined transaction block failed", zap.Error(err))
		}
		if !throttle(ctx, lambda) {
			return
		}
	}
}

// mineTxBlock assembles block_size random transactions, groups them into
// num_symbol_per_block symbols of symbol_size transactions each, and mines
// a header whose cmt_root is the Merkle root over each symbol's
// multi_hash(tx hashes) — the leaf convention Symbol.Verify and
// original_source's BlockContent::create both expect, one H256 per slot,
// not the raw transactions. Returns false only if ctx is cancelled
// mid-sweep.
func (m *Miner) mineTxBlock(ctx context.Context) (consensus.TransactionBlock, []consensus.Symbol, bool) {
	numSlots := m.cfg.NumSymbolPerBlock()
	txs := randomTransactions(m.cfg.BlockSize)

	slots := make([][]consensus.Transaction, numSlots)
	leaves := make([]consensus.H256, numSlots)
	for i := 0; i < numSlots; i++ {
		slot := txs[i*m.cfg.SymbolSize : (i+1)*m.cfg.SymbolSize]
		slots[i] = slot
		hashes := make([]consensus.H256, len(slot))
		for j, tx := range slot {
			hashes[j] = tx.Hash()
		}
		leaves[i] = consensus.MultiHash(hashes)
	}

	tree, err := consensus.NewMerkleTree(leaves)
	if err != nil {
		m.log.Error("build symbol tree failed", zap.Error(err))
		return consensus.TransactionBlock{}, nil, sleep(ctx, idlePause)
	}

	header := consensus.BlockHeader{
		ShardID:   m.cfg.ShardID,
		CmtRoot:   tree.Root(),
		Timestamp: m.mcfg.TimestampSource(),
	}
	nonce, ok := sweepNonce(ctx, header.Hash(), m.cfg.TxDiff)
	if !ok {
		return consensus.TransactionBlock{}, nil, false
	}
	tb := consensus.TransactionBlock{Header: header, Nonce: nonce}

	symbols := make([]consensus.Symbol, numSlots)
	for i := 0; i < numSlots; i++ {
		proof, err := tree.Proof(i)
		if err != nil {
			m.log.Error("build symbol proof failed", zap.Error(err))
			return consensus.TransactionBlock{}, nil, sleep(ctx, idlePause)
		}
		symbols[i] = consensus.Symbol{
			Index:             consensus.SymbolIndex{Root: header.CmtRoot, Index: uint32(i)},
			Data:              slots[i],
			MerkleProof:       proof,
			NumSymbolPerBlock: uint32(numSlots),
		}
	}
	return tb, symbols, true
}

// --- proposer block task ---

func (m *Miner) runProposerTask(ctx context.Context, lambda uint64) {
	for {
		blk, mined, ok := m.mineProposerBlock(ctx)
		if !ok {
			return
		}
		if !mined {
			if !sleep(ctx, idlePause) {
				return
			}
			continue
		}
		if err := m.net.SubmitMinedVersaBlock(blk); err != nil {
			m.log.Info("submit mined proposer block failed", zap.Error(err))
		}
		if !throttle(ctx, lambda) {
			return
		}
	}
}

// mineProposerBlock vouches for up to prop_size mempool entries (own-shard
// preferred, per Mempool.GetTxBlocks), linked to the current proposer tip.
// mined is false (with ok true) when the mempool has nothing yet — a normal
// idle round, not an error. ok is false only on cancellation.
func (m *Miner) mineProposerBlock(ctx context.Context) (consensus.VersaBlock, bool, bool) {
	txs, err := m.mempool.GetTxBlocks(m.cfg.PropSize, m.cfg.ShardID)
	if len(txs) == 0 {
		_ = err
		return consensus.VersaBlock{}, false, true
	}

	tree, err := consensus.NewMerkleTree(txs)
	if err != nil {
		m.log.Error("build prop_tx_set tree failed", zap.Error(err))
		return consensus.VersaBlock{}, false, true
	}

	header := consensus.BlockHeader{
		ShardID:    m.cfg.ShardID,
		PropParent: m.mc.GetLongestProposerChainHash(),
		PropRoot:   tree.Root(),
		Timestamp:  m.mcfg.TimestampSource(),
	}
	nonce, ok := sweepNonce(ctx, header.Hash(), m.cfg.PropDiff)
	if !ok {
		return consensus.VersaBlock{}, false, false
	}
	pb := consensus.NewProposerBlock(header, nonce, tree)
	return consensus.NewVersaProposer(pb), true, true
}

// --- availability block task ---

func (m *Miner) runAvailabilityTask(ctx context.Context, lambda uint64) {
	for {
		blk, mined, ok := m.mineAvailabilityBlock(ctx)
		if !ok {
			return
		}
		if !mined {
			if !sleep(ctx, idlePause) {
				return
			}
			continue
		}
		if err := m.net.SubmitMinedVersaBlock(blk); err != nil {
			m.log.Info("submit mined availability block failed", zap.Error(err))
		}
		if !throttle(ctx, lambda) {
			return
		}
	}
}

// mineAvailabilityBlock bundles up to avai_size unreferred commitments
// (Multichain.GetAvaiTxBlocks) into the local shard's availability chain.
// The block is Exclusive when every bundled commitment already belongs to
// the local shard and only needs inter_parent; otherwise it is Inclusive
// and carries global_parents so the ordering chain can confirm across
// shards in one step. mined is false when there is nothing unreferred yet.
func (m *Miner) mineAvailabilityBlock(ctx context.Context) (consensus.VersaBlock, bool, bool) {
	txs, err := m.mc.GetAvaiTxBlocks(m.cfg.AvaiSize)
	if len(txs) == 0 {
		_ = err
		return consensus.VersaBlock{}, false, true
	}

	tree, err := consensus.NewMerkleTree(txs)
	if err != nil {
		m.log.Error("build avai_tx_set tree failed", zap.Error(err))
		return consensus.VersaBlock{}, false, true
	}

	flavor := consensus.Exclusive
	for _, tb := range txs {
		if tb.Header.ShardID != m.cfg.ShardID {
			flavor = consensus.Inclusive
			break
		}
	}

	header := consensus.BlockHeader{
		ShardID:   m.cfg.ShardID,
		AvaiRoot:  tree.Root(),
		Timestamp: m.mcfg.TimestampSource(),
	}
	target := m.cfg.AvaiDiff
	if flavor == consensus.Exclusive {
		header.InterParent = m.mc.GetHighestAvaiBlock(m.cfg.ShardID)
	} else {
		header.GlobalParents = m.mc.GetAllHighestAvaiBlocks()
		target = m.cfg.InAvaiDiff
	}

	nonce, ok := sweepNonce(ctx, header.Hash(), target)
	if !ok {
		return consensus.VersaBlock{}, false, false
	}
	ab := consensus.NewAvailabilityBlock(header, nonce, flavor, tree)
	return consensus.NewVersaAvailability(ab), true, true
}

// --- ordering block task ---

func (m *Miner) runOrderingTask(ctx context.Context, lambda uint64) {
	for {
		ob, mined, ok := m.mineOrderingBlock(ctx)
		if !ok {
			return
		}
		if !mined {
			if !sleep(ctx, idlePause) {
				return
			}
			continue
		}
		if err := m.net.SubmitMinedOrderingBlock(ob); err != nil {
			m.log.Info("submit mined ordering block failed", zap.Error(err))
		}
		if !throttle(ctx, lambda) {
			return
		}
	}
}

// mineOrderingBlock confirms Multichain.GetNewConfirmedAvaiSet() (the
// availability blocks, across every shard, at depth >= k on their shard's
// longest chain and not yet absorbed by the ordering chain), skipped entirely when that set is empty (spec.md §4.6: "skipped
// if empty"). The ordering chain has no dedicated difficulty flag (spec.md
// §6 names four, not five — see DESIGN.md's Open Question resolution), so
// it reuses prop_diff, the other shard-agnostic single-instance chain.
func (m *Miner) mineOrderingBlock(ctx context.Context) (consensus.OrderingBlock, bool, bool) {
	confirmed := m.mc.GetNewConfirmedAvaiSet()
	if len(confirmed) == 0 {
		return consensus.OrderingBlock{}, false, true
	}

	header := consensus.BlockHeader{
		OrderParent: m.mc.GetOrderingTip(),
		OrderRoot:   consensus.ConfirmedAvailabilityRoot(confirmed),
		Timestamp:   m.mcfg.TimestampSource(),
	}
	nonce, ok := sweepNonce(ctx, header.Hash(), m.cfg.PropDiff)
	if !ok {
		return consensus.OrderingBlock{}, false, false
	}
	return consensus.NewOrderingBlock(header, nonce, confirmed), true, true
}
