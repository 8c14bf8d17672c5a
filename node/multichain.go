package node

import (
	"bytes"
	"sort"
	"sync"

	"optchain.dev/node/consensus"
)

// CmtSet is a cumulative set of transaction-block commitments, keyed by the
// transaction block's own hash (its header hash, which already commits to
// cmt_root).
type CmtSet map[consensus.H256]consensus.TransactionBlock

func (s CmtSet) clone() CmtSet {
	out := make(CmtSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// union returns a new set containing s plus every tb in add that passes
// keep (nil keep accepts everything).
func (s CmtSet) union(add []consensus.TransactionBlock, keep func(consensus.TransactionBlock) bool) CmtSet {
	out := s.clone()
	for _, tb := range add {
		if keep != nil && !keep(tb) {
			continue
		}
		out[tb.Hash()] = tb
	}
	return out
}

// minus returns the commitments in s that are not in other.
func (s CmtSet) minus(other CmtSet) []consensus.TransactionBlock {
	out := make([]consensus.TransactionBlock, 0, len(s))
	for h, tb := range s {
		if _, present := other[h]; !present {
			out = append(out, tb)
		}
	}
	sortTxBlocksByHash(out)
	return out
}

func sortTxBlocksByHash(tbs []consensus.TransactionBlock) {
	sort.Slice(tbs, func(i, j int) bool {
		hi, hj := tbs[i].Hash(), tbs[j].Hash()
		return bytes.Compare(hi.Bytes(), hj.Bytes()) < 0
	})
}

// confirmedSet is a cumulative set of (availability block hash, shard id)
// pairs confirmed by an ordering chain prefix.
type confirmedSet map[consensus.H256]uint32

func (s confirmedSet) clone() confirmedSet {
	out := make(confirmedSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s confirmedSet) union(add []consensus.ShardParent) confirmedSet {
	out := s.clone()
	for _, sp := range add {
		out[sp.Hash] = sp.ShardID
	}
	return out
}

// overlaps reports whether any hash in add is already a member of s.
func (s confirmedSet) overlaps(add []consensus.ShardParent) bool {
	for _, sp := range add {
		if _, present := s[sp.Hash]; present {
			return true
		}
	}
	return false
}

func (s confirmedSet) minus(other confirmedSet) []consensus.ShardParent {
	out := make([]consensus.ShardParent, 0, len(s))
	for h, shard := range s {
		if _, present := other[h]; !present {
			out = append(out, consensus.ShardParent{Hash: h, ShardID: shard})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Hash.Bytes(), out[j].Hash.Bytes()) < 0
	})
	return out
}

// Multichain aggregates one proposer chain, one ordering chain, and S
// per-shard availability chains, plus the three cumulative-set indices that
// turn "which block is this" into "which commitments does this block's
// prefix carry." Every public method is safe for concurrent use; per
// spec.md's fixed lock order this sits above Blockchain's own per-chain
// locks in the acquisition order (multichain -> mempool -> symbol pool ->
// orphan maps), so callers must not hold a mempool or symbol-pool lock
// while calling in.
type Multichain struct {
	LocalShardID uint32
	ShardCount   int
	K            int

	proposerChain      *Blockchain[consensus.VersaBlock]
	orderingChain      *Blockchain[consensus.OrderingBlock]
	availabilityChains []*Blockchain[consensus.VersaBlock]

	mu                     sync.RWMutex
	hash2PropCmts          map[consensus.H256]CmtSet
	hash2AvaiCmts          map[consensus.H256]CmtSet
	hash2ConfirmedAvaiBlks map[consensus.H256]confirmedSet
}

// NewMultichain seeds every chain with its genesis block and the empty
// cumulative sets that follow from it.
func NewMultichain(
	localShardID uint32,
	shardCount int,
	k int,
	proposerGenesis consensus.VersaBlock,
	availabilityGenesis []consensus.VersaBlock,
	orderingGenesis consensus.OrderingBlock,
) *Multichain {
	mc := &Multichain{
		LocalShardID:           localShardID,
		ShardCount:             shardCount,
		K:                      k,
		proposerChain:          NewBlockchain(proposerGenesis, VersaBlockParents),
		orderingChain:          NewBlockchain(orderingGenesis, OrderingBlockParents),
		availabilityChains:     make([]*Blockchain[consensus.VersaBlock], shardCount),
		hash2PropCmts:          map[consensus.H256]CmtSet{proposerGenesis.Hash(): {}},
		hash2AvaiCmts:          map[consensus.H256]CmtSet{},
		hash2ConfirmedAvaiBlks: map[consensus.H256]confirmedSet{orderingGenesis.Hash(): {}},
	}
	for i, genesis := range availabilityGenesis {
		mc.availabilityChains[i] = NewBlockchain(genesis, VersaBlockParents)
		mc.hash2AvaiCmts[genesis.Hash()] = CmtSet{}
	}
	return mc
}

// InsertBlockWithParent attaches a proposer or availability block under
// parent. For an inclusive availability block, shardID selects which
// shard's chain this particular parent candidate belongs to (the caller is
// expected to retry across every global_parents entry; see spec.md §4.7
// step 4). On success the corresponding cumulative commitment set is
// extended from its parent's.
func (mc *Multichain) InsertBlockWithParent(block consensus.VersaBlock, parent consensus.H256, shardID uint32) error {
	var chain *Blockchain[consensus.VersaBlock]
	switch block.Kind {
	case consensus.KindProposer:
		chain = mc.proposerChain
	case consensus.KindExclusiveAvailability:
		chain = mc.availabilityChains[block.Availability.Header.ShardID]
	default: // KindInclusiveAvailability
		chain = mc.availabilityChains[shardID]
	}

	if err := chain.InsertBlockWithParent(block, parent); err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	hash := block.Hash()
	switch block.Kind {
	case consensus.KindProposer:
		parentCmts := mc.hash2PropCmts[parent]
		leaves := block.Proposer.PropTxSet.Leaves()
		mc.hash2PropCmts[hash] = parentCmts.union(leaves, func(tb consensus.TransactionBlock) bool {
			return tb.Header.ShardID == mc.LocalShardID
		})
	default: // availability, either flavor
		if block.Availability.Header.ShardID != mc.LocalShardID {
			break
		}
		parentCmts := mc.hash2AvaiCmts[parent]
		leaves := block.Availability.AvaiTxSet.Leaves()
		mc.hash2AvaiCmts[hash] = parentCmts.union(leaves, nil)
	}
	return nil
}

// InsertOrderingBlock attaches an ordering block under parent, after
// checking that its confirmed_avai_set is disjoint from the parent's
// cumulative confirmed set (spec.md §8 "ordering non-overlap"; a violation
// is ERR_OVERLAPPING_CONFIRMATION, not a graph error, since the parent does
// exist).
func (mc *Multichain) InsertOrderingBlock(block consensus.OrderingBlock, parent consensus.H256) error {
	mc.mu.RLock()
	parentConfirmed, ok := mc.hash2ConfirmedAvaiBlks[parent]
	mc.mu.RUnlock()
	if !ok {
		return consensus.NewNodeError(consensus.ERR_PARENT_MISSING, "multichain: ordering parent not present")
	}
	if parentConfirmed.overlaps(block.ConfirmedAvaiSet) {
		return consensus.NewNodeError(consensus.ERR_OVERLAPPING_CONFIRMATION, "multichain: confirmed_avai_set overlaps parent's cumulative set")
	}

	if err := mc.orderingChain.InsertBlockWithParent(block, parent); err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.hash2ConfirmedAvaiBlks[block.Hash()] = parentConfirmed.union(block.ConfirmedAvaiSet)
	return nil
}

// GetLongestProposerChainHash is the proposer chain's current tip.
func (mc *Multichain) GetLongestProposerChainHash() consensus.H256 {
	return mc.proposerChain.Tip()
}

// GetHighestAvaiBlock is the current tip of shard shardID's availability
// chain.
func (mc *Multichain) GetHighestAvaiBlock(shardID uint32) consensus.H256 {
	return mc.availabilityChains[shardID].Tip()
}

// GetOrderingTip is the ordering chain's current tip.
func (mc *Multichain) GetOrderingTip() consensus.H256 {
	return mc.orderingChain.Tip()
}

// AllBlocksInLongestProposerChain mirrors Blockchain.AllBlocksInLongestChain
// for the proposer chain.
func (mc *Multichain) AllBlocksInLongestProposerChain() []consensus.H256 {
	return mc.proposerChain.AllBlocksInLongestChain()
}

// AllBlocksInLongestAvailabilityChain mirrors the same for one shard.
func (mc *Multichain) AllBlocksInLongestAvailabilityChain(shardID uint32) []consensus.H256 {
	return mc.availabilityChains[shardID].AllBlocksInLongestChain()
}

// GetProposerBlock looks up a block on the proposer chain.
func (mc *Multichain) GetProposerBlock(hash consensus.H256) (consensus.VersaBlock, bool) {
	return mc.proposerChain.GetBlock(hash)
}

// GetAvailabilityBlock looks up a block on shard shardID's availability
// chain.
func (mc *Multichain) GetAvailabilityBlock(hash consensus.H256, shardID uint32) (consensus.VersaBlock, bool) {
	return mc.availabilityChains[shardID].GetBlock(hash)
}

// GetOrderingBlock looks up a block on the ordering chain.
func (mc *Multichain) GetOrderingBlock(hash consensus.H256) (consensus.OrderingBlock, bool) {
	return mc.orderingChain.GetBlock(hash)
}

// GetUnreferredCmt returns the commitments carried by the proposer chain up
// to propHash that the local availability chain's tip has not yet
// absorbed.
func (mc *Multichain) GetUnreferredCmt(propHash consensus.H256) []consensus.TransactionBlock {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	propCmts := mc.hash2PropCmts[propHash]
	avaiCmts := mc.hash2AvaiCmts[mc.availabilityChains[mc.LocalShardID].Tip()]
	return propCmts.minus(avaiCmts)
}

// GetAvaiTxBlocks takes num unreferred commitments from the proposer block
// at depth k below the proposer tip (or genesis if the chain is shorter).
// It returns whatever it found alongside ERR_PARTIAL if that is fewer than
// num.
func (mc *Multichain) GetAvaiTxBlocks(num int) ([]consensus.TransactionBlock, error) {
	path := mc.proposerChain.AllBlocksInLongestChain()
	depth := len(path) - 1 - mc.K
	if depth < 0 {
		depth = 0
	}
	unreferred := mc.GetUnreferredCmt(path[depth])
	if len(unreferred) < num {
		return unreferred, consensus.NewNodeError(consensus.ERR_PARTIAL, "multichain: fewer unreferred commitments than requested")
	}
	return unreferred[:num], nil
}

// GetNewConfirmedAvaiSet returns the union, over every shard, of
// availability block hashes at depth >= k below that shard's tip, minus
// the ordering tip's cumulative confirmed set: the availability blocks the
// next ordering block must confirm.
func (mc *Multichain) GetNewConfirmedAvaiSet() []consensus.ShardParent {
	candidate := confirmedSet{}
	for shardID := 0; shardID < mc.ShardCount; shardID++ {
		path := mc.availabilityChains[shardID].AllBlocksInLongestChain()
		tipHeight := len(path) - 1
		for height, h := range path {
			if tipHeight-height >= mc.K {
				candidate[h] = uint32(shardID)
			}
		}
	}
	mc.mu.RLock()
	already := mc.hash2ConfirmedAvaiBlks[mc.orderingChain.Tip()]
	mc.mu.RUnlock()
	return candidate.minus(already)
}

// GetAllHighestAvaiBlocks returns one tip per shard, used as global_parents
// when mining an inclusive availability block.
func (mc *Multichain) GetAllHighestAvaiBlocks() []consensus.ShardParent {
	out := make([]consensus.ShardParent, mc.ShardCount)
	for shardID := 0; shardID < mc.ShardCount; shardID++ {
		out[shardID] = consensus.ShardParent{
			Hash:    mc.availabilityChains[shardID].Tip(),
			ShardID: uint32(shardID),
		}
	}
	return out
}
