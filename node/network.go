package node

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"optchain.dev/node/consensus"
	"optchain.dev/node/node/p2p"
)

// GossipKind tags the four block families that travel over the
// NewBlockHash/GetBlocks/Blocks messages. consensus.VersaBlock stays a
// three-way union internally (proposer/exclusive/inclusive) since that is
// all Multichain's per-shard trees ever need to disambiguate; the ordering
// chain has no shard to confuse it with, so it never needed to join that
// union to be inserted correctly. The wire layer's concern is broader than
// the domain model's: spec.md's network state machine gossips ordering
// blocks through the identical message kinds, so GossipKind and GossipBlock
// add the fourth case at this boundary instead of widening VersaBlock.
type GossipKind uint8

const (
	GossipProposer GossipKind = iota
	GossipExclusive
	GossipInclusive
	GossipOrdering
)

func (k GossipKind) String() string {
	switch k {
	case GossipProposer:
		return "proposer"
	case GossipExclusive:
		return "exclusive-availability"
	case GossipInclusive:
		return "inclusive-availability"
	case GossipOrdering:
		return "ordering"
	default:
		return "unknown"
	}
}

func gossipKindOfVersa(kind consensus.BlockKind) GossipKind {
	switch kind {
	case consensus.KindProposer:
		return GossipProposer
	case consensus.KindExclusiveAvailability:
		return GossipExclusive
	default:
		return GossipInclusive
	}
}

// GossipHash is the hash-only announcement form: VersaHash widened with the
// ordering case.
type GossipHash struct {
	Kind GossipKind
	Hash consensus.H256
}

// GossipBlock carries a full block body tagged the same way. Exactly one of
// Versa or Ordering is set, chosen by Kind.
type GossipBlock struct {
	Kind     GossipKind
	Versa    *consensus.VersaBlock
	Ordering *consensus.OrderingBlock
}

func NewGossipVersa(v consensus.VersaBlock) GossipBlock {
	return GossipBlock{Kind: gossipKindOfVersa(v.Kind), Versa: &v}
}

func NewGossipOrdering(o consensus.OrderingBlock) GossipBlock {
	return GossipBlock{Kind: GossipOrdering, Ordering: &o}
}

func (b GossipBlock) Hash() consensus.H256 {
	if b.Kind == GossipOrdering {
		return b.Ordering.Hash()
	}
	return b.Versa.Hash()
}

func (b GossipBlock) GossipHash() GossipHash {
	return GossipHash{Kind: b.Kind, Hash: b.Hash()}
}

func (b GossipBlock) verifyHash() bool {
	if b.Kind == GossipOrdering {
		return b.Ordering.VerifyHash()
	}
	return b.Versa.VerifyHash()
}

// parentCandidate names one edge a block could be attached by: the parent
// hash plus the shard the edge is being attempted against (meaningless for
// proposer and ordering, which are shard-agnostic).
type parentCandidate struct {
	Parent  GossipHash
	ShardID uint32
}

// parentCandidates mirrors the draft's per-kind parents derivation in
// handle_blocks: a proposer or exclusive block has exactly one candidate
// parent, an inclusive block has one per global_parents entry (spec.md
// §4.7 step 4, "a single success counts as committed"), and an ordering
// block has exactly one (its order_parent).
func parentCandidates(b GossipBlock) []parentCandidate {
	switch b.Kind {
	case GossipProposer:
		h := b.Versa.Header()
		return []parentCandidate{{Parent: GossipHash{Kind: GossipProposer, Hash: h.PropParent}}}
	case GossipExclusive:
		h := b.Versa.Header()
		return []parentCandidate{{
			Parent:  GossipHash{Kind: GossipExclusive, Hash: h.InterParent},
			ShardID: h.ShardID,
		}}
	case GossipInclusive:
		h := b.Versa.Header()
		out := make([]parentCandidate, len(h.GlobalParents))
		for i, sp := range h.GlobalParents {
			out[i] = parentCandidate{
				Parent:  GossipHash{Kind: GossipInclusive, Hash: sp.Hash},
				ShardID: sp.ShardID,
			}
		}
		return out
	default: // GossipOrdering
		return []parentCandidate{{Parent: GossipHash{Kind: GossipOrdering, Hash: b.Ordering.Header.OrderParent}}}
	}
}

// Broadcaster fans a wire message out to every connected peer. It is
// satisfied by a peer-set manager; network.go itself only ever sends
// messages, never tracks connections.
type Broadcaster interface {
	Broadcast(command string, payload []byte)
}

// pendingBlock is an orphan buffer entry: the block waiting on a missing
// parent, plus the shard that specific parent-candidate edge was being
// attempted against (needed to retry the right edge once the parent
// arrives).
type pendingBlock struct {
	Block   GossipBlock
	ShardID uint32
}

// Network is the per-connection-independent message state machine of
// spec.md §4.7: it owns the orphan buffer and the symbol-gated dependency
// maps, and is driven by one or more p2p.Peer.Run loops concurrently
// (guarded by mu, following the single-coarse-mutex-per-component
// discipline of spec.md §5).
type Network struct {
	cfg        Config
	mc         *Multichain
	mempool    *Mempool
	symbolPool *SymbolPool
	bcast      Broadcaster
	log        *zap.Logger

	mu sync.Mutex
	// blkBuff buffers a block under every parent hash it is still waiting
	// on (a block with several global_parents can be buffered under more
	// than one key at once).
	blkBuff map[GossipHash][]pendingBlock
	// cmtWaiters and blkMissingCmts are the two dependency maps of spec.md
	// §4.7's "Two dependency maps" paragraph: a block blocked on symbol
	// availability is recorded under every commitment it's still missing
	// symbols for, and its own remaining-missing-commitment set is tracked
	// so the block can be re-attempted once that set empties.
	cmtWaiters     map[consensus.H256][]GossipBlock
	blkMissingCmts map[consensus.H256]map[consensus.H256]bool
}

func NewNetwork(cfg Config, mc *Multichain, mempool *Mempool, symbolPool *SymbolPool, bcast Broadcaster, log *zap.Logger) *Network {
	if log == nil {
		log = zap.NewNop()
	}
	return &Network{
		cfg:            cfg,
		mc:             mc,
		mempool:        mempool,
		symbolPool:     symbolPool,
		bcast:          bcast,
		log:            log,
		blkBuff:        make(map[GossipHash][]pendingBlock),
		cmtWaiters:     make(map[consensus.H256][]GossipBlock),
		blkMissingCmts: make(map[consensus.H256]map[consensus.H256]bool),
	}
}

// targetForKind maps a gossip kind to its configured difficulty target.
// The CLI only exposes four target flags (tDiff/pDiff/aDiff/iDiff, spec.md
// §6), one short of one-per-block-kind: ordering has no target flag of its
// own. Resolved (see DESIGN.md) by pairing the ordering chain with
// prop_diff, since proposer and ordering are the only two shard-agnostic,
// single-instance chains.
func (n *Network) targetForKind(kind GossipKind) consensus.H256 {
	switch kind {
	case GossipProposer, GossipOrdering:
		return n.cfg.PropDiff
	case GossipExclusive:
		return n.cfg.AvaiDiff
	default: // GossipInclusive
		return n.cfg.InAvaiDiff
	}
}

// checkPow validates both halves of spec.md §8's PoW contract: the stored
// hash really is pow_hash(header.hash(), nonce) (verifyHash), and that hash
// also satisfies the target for the block's kind. A peer cannot forge a
// cheap block by sending a correctly-recomputed hash that simply never met
// its difficulty target.
func (n *Network) checkPow(b GossipBlock) bool {
	if !b.verifyHash() {
		return false
	}
	return consensus.CheckPow(b.Hash(), n.targetForKind(b.Kind))
}

// OnMessage implements p2p.Handler, dispatching every Optchain message kind
// the way worker_loop's match statement does in the draft, minus Ping
// (node/p2p/peer.go answers it itself; an incoming Pong reaches the default
// case and is ignored).
func (n *Network) OnMessage(peer *p2p.Peer, command string, payload []byte) error {
	switch command {
	case p2p.CmdNewTxBlockHash:
		return n.onNewTxBlockHash(peer, payload)
	case p2p.CmdGetTxBlocks:
		return n.onGetTxBlocks(peer, payload)
	case p2p.CmdTxBlocks:
		return n.onTxBlocks(payload)
	case p2p.CmdNewBlockHash:
		return n.onNewBlockHash(peer, payload)
	case p2p.CmdGetBlocks:
		return n.onGetBlocks(peer, payload)
	case p2p.CmdBlocks:
		return n.onBlocks(payload)
	case p2p.CmdNewSymbols:
		return n.onNewSymbols(peer, payload)
	case p2p.CmdGetSymbols:
		return n.onGetSymbols(peer, payload)
	case p2p.CmdSymbols:
		return n.onSymbols(payload)
	default:
		n.log.Debug("unhandled command", zap.String("command", command))
		return nil
	}
}

func sendJSON(peer *p2p.Peer, command string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return peer.Send(command, raw)
}

func (n *Network) broadcastJSON(command string, v any) {
	if n.bcast == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		n.log.Warn("broadcast encode failed", zap.String("command", command), zap.Error(err))
		return
	}
	n.bcast.Broadcast(command, raw)
}

// BroadcastPing sends a bare Ping to every connected peer, the control
// surface behind spec.md §6's `/network/ping` endpoint. Ping/Pong itself is
// answered at the p2p.Peer connection layer (see p2p/peer.go), so this
// needs no payload and no reply handling here.
func (n *Network) BroadcastPing() {
	if n.bcast == nil {
		return
	}
	n.bcast.Broadcast(p2p.CmdPing, nil)
}

// --- transaction-block gossip (spec.md §4.7 "Transaction blocks") ---

func (n *Network) onNewTxBlockHash(peer *p2p.Peer, payload []byte) error {
	var hashes []consensus.H256
	if err := json.Unmarshal(payload, &hashes); err != nil {
		return err
	}
	var unreceived []consensus.H256
	for _, h := range hashes {
		if n.mempool.Contains(h) {
			continue
		}
		unreceived = append(unreceived, h)
	}
	if len(unreceived) == 0 {
		return nil
	}
	return sendJSON(peer, p2p.CmdGetTxBlocks, unreceived)
}

func (n *Network) onGetTxBlocks(peer *p2p.Peer, payload []byte) error {
	var hashes []consensus.H256
	if err := json.Unmarshal(payload, &hashes); err != nil {
		return err
	}
	var blocks []consensus.TransactionBlock
	for _, h := range hashes {
		if tb, ok := n.mempool.Get(h); ok {
			blocks = append(blocks, tb)
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	return sendJSON(peer, p2p.CmdTxBlocks, blocks)
}

func (n *Network) onTxBlocks(payload []byte) error {
	var blocks []consensus.TransactionBlock
	if err := json.Unmarshal(payload, &blocks); err != nil {
		return err
	}
	var newHashes []consensus.H256
	for _, tb := range blocks {
		// TransactionBlock.Hash() is the header hash alone (no pow_hash
		// wrap, per its Hashable semantics), so its nonce carries no
		// identity weight; the PoW check here instead recomputes
		// pow_hash(header.hash(), nonce) and compares it against tx_diff
		// directly, confirming work was actually done without changing
		// what the block's hash means.
		if !consensus.CheckPow(consensus.PowHash(tb.Header.Hash(), tb.Nonce), n.cfg.TxDiff) {
			n.log.Info("dropping transaction block with insufficient PoW")
			continue
		}
		if !n.mempool.Insert(tb) {
			continue
		}
		newHashes = append(newHashes, tb.Hash())
	}
	if len(newHashes) == 0 {
		return nil
	}
	n.broadcastJSON(p2p.CmdNewTxBlockHash, newHashes)
	return nil
}

// --- block announcement / body gossip (spec.md §4.7 "Block announcements"
// and "Block bodies") ---

// findAvailabilityShard scans every shard for hash, since a bare VersaHash
// carries no shard tag of its own (only the full block body does, via its
// header). Mirrors the draft's handle_new_block_hash / handle_get_blocks
// "not sure the shard id... scan 0..shard_num" comment.
func (n *Network) findAvailabilityShard(hash consensus.H256) (uint32, bool) {
	for shard := 0; shard < n.mc.ShardCount; shard++ {
		if _, ok := n.mc.GetAvailabilityBlock(hash, uint32(shard)); ok {
			return uint32(shard), true
		}
	}
	return 0, false
}

func (n *Network) haveGossipHash(gh GossipHash) bool {
	switch gh.Kind {
	case GossipProposer:
		_, ok := n.mc.GetProposerBlock(gh.Hash)
		return ok
	case GossipOrdering:
		_, ok := n.mc.GetOrderingBlock(gh.Hash)
		return ok
	default:
		_, ok := n.findAvailabilityShard(gh.Hash)
		return ok
	}
}

func (n *Network) onNewBlockHash(peer *p2p.Peer, payload []byte) error {
	var hashes []GossipHash
	if err := json.Unmarshal(payload, &hashes); err != nil {
		return err
	}
	var unreceived []GossipHash
	for _, gh := range hashes {
		if !n.haveGossipHash(gh) {
			unreceived = append(unreceived, gh)
		}
	}
	if len(unreceived) == 0 {
		return nil
	}
	return sendJSON(peer, p2p.CmdGetBlocks, unreceived)
}

func (n *Network) onGetBlocks(peer *p2p.Peer, payload []byte) error {
	var hashes []GossipHash
	if err := json.Unmarshal(payload, &hashes); err != nil {
		return err
	}
	var blocks []GossipBlock
	for _, gh := range hashes {
		switch gh.Kind {
		case GossipProposer:
			if v, ok := n.mc.GetProposerBlock(gh.Hash); ok {
				blocks = append(blocks, NewGossipVersa(v))
			}
		case GossipOrdering:
			if o, ok := n.mc.GetOrderingBlock(gh.Hash); ok {
				blocks = append(blocks, NewGossipOrdering(o))
			}
		default:
			if shard, ok := n.findAvailabilityShard(gh.Hash); ok {
				if v, ok := n.mc.GetAvailabilityBlock(gh.Hash, shard); ok {
					blocks = append(blocks, NewGossipVersa(v))
				}
			}
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	return sendJSON(peer, p2p.CmdBlocks, blocks)
}

func (n *Network) onBlocks(payload []byte) error {
	var blocks []GossipBlock
	if err := json.Unmarshal(payload, &blocks); err != nil {
		return err
	}
	newHashes, missing := n.handleBlocks(blocks)
	if len(newHashes) > 0 {
		n.broadcastJSON(p2p.CmdNewBlockHash, newHashes)
	}
	if len(missing) > 0 {
		n.broadcastJSON(p2p.CmdGetBlocks, missing)
	}
	return nil
}

// handleBlocks is the per-block insertion state machine of spec.md §4.7
// steps 1-6: hash check, availability symbol-gating, orphan buffering on a
// missing parent (one attempt per parent candidate; an inclusive block
// tries every global_parents entry), and on success a BFS flush of
// anything buffered on the newly committed hash.
func (n *Network) handleBlocks(blocks []GossipBlock) ([]GossipHash, []GossipHash) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var newHashes []GossipHash
	var missing []GossipHash
	seenNew := map[GossipHash]bool{}
	seenMissing := map[GossipHash]bool{}

	for _, blk := range blocks {
		if !n.checkPow(blk) {
			n.log.Info("dropping block with bad hash or insufficient PoW", zap.Stringer("kind", blk.Kind))
			continue
		}
		for _, cand := range parentCandidates(blk) {
			n.attemptOneParent(blk, cand, &newHashes, &missing, seenNew, seenMissing)
		}
	}
	return newHashes, missing
}

func (n *Network) attemptOneParent(blk GossipBlock, cand parentCandidate, newHashes, missing *[]GossipHash, seenNew, seenMissing map[GossipHash]bool) {
	if !n.haveGossipHash(cand.Parent) {
		n.blkBuff[cand.Parent] = appendIfAbsentPending(n.blkBuff[cand.Parent], pendingBlock{Block: blk, ShardID: cand.ShardID})
		if !seenMissing[cand.Parent] {
			seenMissing[cand.Parent] = true
			*missing = append(*missing, cand.Parent)
		}
		return
	}

	if !n.stageCommit(blk, cand.ShardID) {
		return
	}

	n.insertAndFlush(blk, cand.Parent.Hash, cand.ShardID, newHashes, seenNew)
}

func appendIfAbsentPending(list []pendingBlock, pb pendingBlock) []pendingBlock {
	for _, existing := range list {
		if existing.Block.Hash() == pb.Block.Hash() && existing.ShardID == pb.ShardID {
			return list
		}
	}
	return append(list, pb)
}

// stageCommit runs spec.md §4.7 step 2: an availability block may only
// commit once every commitment it references has all of its requested
// symbols in hand. A block still missing symbols is registered in the two
// dependency maps and GetSymbols is requested for the unreceived indices;
// it is not buffered in blkBuff (its parent already exists — it's blocked
// on data availability, not graph position) and the unblocking path
// (onSymbols) re-attempts insertion once its missing set empties.
func (n *Network) stageCommit(blk GossipBlock, shardID uint32) bool {
	if blk.Kind != GossipExclusive && blk.Kind != GossipInclusive {
		return true
	}
	leaves := blk.Versa.Availability.AvaiTxSet.Leaves()
	isOwnShard := blk.Versa.Availability.Header.ShardID == n.mc.LocalShardID

	var missingRoots []consensus.H256
	var requestNow []consensus.SymbolIndex
	for _, tb := range leaves {
		root := tb.Header.CmtRoot
		unreceived, err := n.symbolPool.GetUnreceivedSymbols(root)
		if code, ok := consensus.CodeOf(err); ok && code == consensus.ERR_NOT_REQUESTED {
			indices, rerr := n.symbolPool.RequestSymbolsForNewCmt(root, isOwnShard)
			if rerr != nil {
				continue
			}
			unreceived = indices
		} else if err != nil {
			continue
		}
		if len(unreceived) == 0 {
			continue
		}
		missingRoots = append(missingRoots, root)
		requestNow = append(requestNow, unreceived...)
	}

	if len(missingRoots) == 0 {
		return true
	}

	blkHash := blk.Hash()
	missingSet := n.blkMissingCmts[blkHash]
	if missingSet == nil {
		missingSet = make(map[consensus.H256]bool)
		n.blkMissingCmts[blkHash] = missingSet
	}
	for _, root := range missingRoots {
		if !missingSet[root] {
			missingSet[root] = true
			n.cmtWaiters[root] = append(n.cmtWaiters[root], blk)
		}
	}
	if len(requestNow) > 0 {
		n.broadcastJSON(p2p.CmdGetSymbols, requestNow)
	}
	return false
}

// insertAndFlush inserts blk under parent (and, for an ordering block, via
// InsertOrderingBlock instead), then pops and retries anything buffered
// under blk's own hash — unlike the draft, each flushed child is attached
// to the hash that actually unblocked it (the draft's handle_blocks reuses
// the outer loop's parent_hash/inserted_shard_id for every BFS step, which
// attaches flushed children to the wrong parent; this corrects that).
func (n *Network) insertAndFlush(blk GossipBlock, parent consensus.H256, shardID uint32, newHashes *[]GossipHash, seenNew map[GossipHash]bool) {
	type queued struct {
		Block   GossipBlock
		Parent  consensus.H256
		ShardID uint32
	}
	queue := []queued{{Block: blk, Parent: parent, ShardID: shardID}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var err error
		if cur.Block.Kind == GossipOrdering {
			err = n.mc.InsertOrderingBlock(*cur.Block.Ordering, cur.Parent)
		} else {
			err = n.mc.InsertBlockWithParent(*cur.Block.Versa, cur.Parent, cur.ShardID)
		}
		if err != nil {
			n.log.Info("block insertion rejected", zap.Stringer("kind", cur.Block.Kind), zap.Error(err))
			continue
		}

		gh := cur.Block.GossipHash()
		if !seenNew[gh] {
			seenNew[gh] = true
			*newHashes = append(*newHashes, gh)
		}
		if cur.Block.Kind == GossipProposer {
			n.requestSymbolsForNewCommitments(*cur.Block.Versa)
		}

		children := n.blkBuff[gh]
		delete(n.blkBuff, gh)
		for _, child := range children {
			queue = append(queue, queued{Block: child.Block, Parent: gh.Hash, ShardID: child.ShardID})
		}
	}
}

// requestSymbolsForNewCommitments enqueues symbol requests for every
// commitment a newly committed proposer block references (spec.md §4.7
// step 6).
func (n *Network) requestSymbolsForNewCommitments(prop consensus.VersaBlock) {
	var requestNow []consensus.SymbolIndex
	for _, tb := range prop.Proposer.PropTxSet.Leaves() {
		root := tb.Header.CmtRoot
		isOwnShard := tb.Header.ShardID == n.mc.LocalShardID
		indices, err := n.symbolPool.RequestSymbolsForNewCmt(root, isOwnShard)
		if err != nil {
			continue
		}
		requestNow = append(requestNow, indices...)
	}
	if len(requestNow) > 0 {
		n.broadcastJSON(p2p.CmdGetSymbols, requestNow)
	}
}

// RescanUnreferredCommitments implements the verifier loop's per-tick work
// (spec.md §4.8): for every commitment in the proposer tip's unreferred
// list, request samples if this is the first time the commitment has been
// seen, then broadcast GetSymbols for whatever indices are still
// unreceived — including commitments already requested on an earlier tick.
// This is the liveness backstop against dropped gossip;
// requestSymbolsForNewCommitments's one-shot request on commit alone
// cannot recover from a lost GetSymbols or Symbols message.
func (n *Network) RescanUnreferredCommitments() {
	tip := n.mc.GetLongestProposerChainHash()
	unreferred := n.mc.GetUnreferredCmt(tip)

	var requestNow []consensus.SymbolIndex
	for _, tb := range unreferred {
		root := tb.Header.CmtRoot
		isOwnShard := tb.Header.ShardID == n.mc.LocalShardID
		if _, err := n.symbolPool.RequestSymbolsForNewCmt(root, isOwnShard); err != nil {
			if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_ALREADY_REQUESTED {
				n.log.Info("verifier: request symbols failed", zap.Stringer("cmt_root", root), zap.Error(err))
				continue
			}
		}
		unreceived, err := n.symbolPool.GetUnreceivedSymbols(root)
		if err != nil {
			n.log.Info("verifier: get unreceived symbols failed", zap.Stringer("cmt_root", root), zap.Error(err))
			continue
		}
		requestNow = append(requestNow, unreceived...)
	}
	if len(requestNow) > 0 {
		n.broadcastJSON(p2p.CmdGetSymbols, requestNow)
	}
}

// --- miner submission (spec.md §4.7's "Miner→multichain post-processing
// worker"; mirrors original_source's MinerMessage::TxBlk/VersaBlk dispatch,
// generalized with the ordering case the draft's miner never had to cover) ---

// SubmitMinedTxBlock is the TxBlk dispatch arm: insert the freshly mined
// transaction block into the mempool, pre-load every one of its symbols
// into the local symbol pool (a block this node just mined needs no
// sampling — it already holds every symbol in full), and broadcast the
// block body.
func (n *Network) SubmitMinedTxBlock(tb consensus.TransactionBlock, symbols []consensus.Symbol) error {
	n.mempool.Insert(tb)
	if err := n.symbolPool.RequestAllAndInsert(tb.Header.CmtRoot, symbols); err != nil {
		return err
	}
	n.broadcastJSON(p2p.CmdTxBlocks, []consensus.TransactionBlock{tb})
	return nil
}

// SubmitMinedVersaBlock is the VersaBlk dispatch arm for the proposer and
// availability kinds: attempt insertion against every parent candidate (an
// inclusive block tries one per global_parents entry; a single success
// counts as committed, same rule as the gossip path), then broadcast the
// body regardless of outcome, matching the draft's unconditional broadcast
// after dispatch.
func (n *Network) SubmitMinedVersaBlock(blk consensus.VersaBlock) error {
	gb := NewGossipVersa(blk)
	var lastErr error
	committed := false
	for _, cand := range parentCandidates(gb) {
		if err := n.mc.InsertBlockWithParent(blk, cand.Parent.Hash, cand.ShardID); err != nil {
			lastErr = err
			n.log.Info("mined block insertion failed", zap.Stringer("kind", gb.Kind), zap.Error(err))
			continue
		}
		committed = true
		if gb.Kind == GossipProposer {
			n.requestSymbolsForNewCommitments(blk)
		}
	}
	n.broadcastJSON(p2p.CmdBlocks, []GossipBlock{gb})
	if !committed {
		return lastErr
	}
	return nil
}

// SubmitMinedOrderingBlock is the ordering-chain counterpart the draft's
// MinerMessage dispatch never had to cover, since no ordering chain exists
// in the draft at all.
func (n *Network) SubmitMinedOrderingBlock(ob consensus.OrderingBlock) error {
	err := n.mc.InsertOrderingBlock(ob, ob.Header.OrderParent)
	n.broadcastJSON(p2p.CmdBlocks, []GossipBlock{NewGossipOrdering(ob)})
	return err
}

// --- symbol gossip (spec.md §4.7 "Symbols") ---

func (n *Network) onNewSymbols(peer *p2p.Peer, payload []byte) error {
	var indices []consensus.SymbolIndex
	if err := json.Unmarshal(payload, &indices); err != nil {
		return err
	}
	var unreceived []consensus.SymbolIndex
	for _, idx := range indices {
		if n.symbolPool.CheckIfRequested(idx) {
			unreceived = append(unreceived, idx)
		}
	}
	if len(unreceived) == 0 {
		return nil
	}
	return sendJSON(peer, p2p.CmdGetSymbols, unreceived)
}

func (n *Network) onGetSymbols(peer *p2p.Peer, payload []byte) error {
	var indices []consensus.SymbolIndex
	if err := json.Unmarshal(payload, &indices); err != nil {
		return err
	}
	var symbols []consensus.Symbol
	for _, idx := range indices {
		if sym, err := n.symbolPool.GetSymbol(idx); err == nil {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		return nil
	}
	return sendJSON(peer, p2p.CmdSymbols, symbols)
}

// onSymbols inserts each received symbol that was actually requested, then
// unblocks any availability blocks waiting on its commitment (spec.md
// §4.7's unblocking paragraph): shrink the block's missing-commitment set,
// and re-attempt insertion once it empties.
func (n *Network) onSymbols(payload []byte) error {
	var symbols []consensus.Symbol
	if err := json.Unmarshal(payload, &symbols); err != nil {
		return err
	}

	var newlyReceived []consensus.SymbolIndex
	for _, sym := range symbols {
		if !n.symbolPool.CheckIfRequested(sym.Index) {
			continue
		}
		if err := n.symbolPool.InsertSymbol(sym); err != nil {
			continue
		}
		newlyReceived = append(newlyReceived, sym.Index)
	}
	if len(newlyReceived) == 0 {
		return nil
	}

	n.unblockOnSymbols(newlyReceived)
	n.broadcastJSON(p2p.CmdNewSymbols, newlyReceived)
	return nil
}

func (n *Network) unblockOnSymbols(received []consensus.SymbolIndex) {
	n.mu.Lock()
	defer n.mu.Unlock()

	roots := map[consensus.H256]bool{}
	for _, idx := range received {
		roots[idx.Root] = true
	}

	var ready []GossipBlock
	for root := range roots {
		waiters := n.cmtWaiters[root]
		if len(waiters) == 0 {
			continue
		}
		delete(n.cmtWaiters, root)
		for _, blk := range waiters {
			hash := blk.Hash()
			missing := n.blkMissingCmts[hash]
			if missing == nil {
				continue
			}
			delete(missing, root)
			if len(missing) == 0 {
				delete(n.blkMissingCmts, hash)
				ready = append(ready, blk)
			}
		}
	}

	if len(ready) == 0 {
		return
	}

	var newHashes []GossipHash
	seenNew := map[GossipHash]bool{}
	for _, blk := range ready {
		for _, cand := range parentCandidates(blk) {
			if !n.haveGossipHash(cand.Parent) {
				continue
			}
			n.insertAndFlush(blk, cand.Parent.Hash, cand.ShardID, &newHashes, seenNew)
		}
	}
	if len(newHashes) > 0 {
		n.broadcastJSON(p2p.CmdNewBlockHash, newHashes)
	}
}
