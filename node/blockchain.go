package node

import (
	"sync"

	"optchain.dev/node/consensus"
)

// chainNode is one entry of a Blockchain's hash-indexed tree: enough to walk
// parent-to-child and to know, without re-walking descendants, how far the
// longest chain through this node currently reaches.
type chainNode struct {
	hash          consensus.H256
	parent        consensus.H256
	height        int
	longestHeight int
	children      []consensus.H256
}

// Hashable is the minimum a block type needs to live in a Blockchain: a
// stable identity. Both consensus.VersaBlock (proposer and availability
// chains) and consensus.OrderingBlock (the ordering chain) satisfy it.
type Hashable interface {
	Hash() consensus.H256
}

// Blockchain is a single chain's block tree: the proposer chain, one
// shard's availability chain, or the ordering chain. It tracks every
// branch ever inserted, not just the longest one, so a late-arriving
// sibling block can still be looked up and confirmed against once its
// branch catches up.
//
// Unlike the recursive boxed-tree walk the protocol was drafted against,
// parent and node lookups here are O(1) map reads: every node already knows
// its own height and longest-descendant height, so inserting a block only
// needs to walk upward from the new node to the root to refresh ancestors'
// longestHeight, not search the whole tree for the parent first.
//
// validParents is supplied at construction because what counts as a valid
// parent depends on the block kind (proposer vs. exclusive vs. inclusive
// availability vs. ordering); the tree itself is agnostic to that.
type Blockchain[T Hashable] struct {
	mu           sync.RWMutex
	blocks       map[consensus.H256]T
	nodes        map[consensus.H256]*chainNode
	genesis      consensus.H256
	tip          consensus.H256
	height       int
	validParents func(T) []consensus.H256
}

// NewBlockchain seeds a chain with its genesis block. The genesis block has
// no parent to validate against; every later insert does.
func NewBlockchain[T Hashable](genesis T, validParents func(T) []consensus.H256) *Blockchain[T] {
	hash := genesis.Hash()
	root := &chainNode{hash: hash, height: 0, longestHeight: 0}
	return &Blockchain[T]{
		blocks:       map[consensus.H256]T{hash: genesis},
		nodes:        map[consensus.H256]*chainNode{hash: root},
		genesis:      hash,
		tip:          hash,
		height:       0,
		validParents: validParents,
	}
}

// VersaBlockParents returns the set of hashes a proposer or availability
// block's header actually authorizes as its parent: a proposer block may
// only attach to prop_parent, an exclusive availability block only to
// inter_parent, and an inclusive availability block to any of its
// global_parents (it is confirming every shard's tip at once).
func VersaBlockParents(block consensus.VersaBlock) []consensus.H256 {
	switch block.Kind {
	case consensus.KindProposer:
		return []consensus.H256{block.Proposer.Header.PropParent}
	case consensus.KindExclusiveAvailability:
		return []consensus.H256{block.Availability.Header.InterParent}
	default: // KindInclusiveAvailability
		parents := block.Availability.Header.GlobalParents
		out := make([]consensus.H256, len(parents))
		for i, p := range parents {
			out[i] = p.Hash
		}
		return out
	}
}

// OrderingBlockParents returns an ordering block's single valid parent: the
// ordering chain has no shard to disambiguate, so there is never more than
// one candidate.
func OrderingBlockParents(block consensus.OrderingBlock) []consensus.H256 {
	return []consensus.H256{block.Header.OrderParent}
}

// InsertBlockWithParent attaches block to the tree under parent, which must
// both be a block this chain already holds and a member of block's own
// valid parent set (the caller doesn't get to pick an arbitrary parent; the
// block's header already committed to one of a small set of candidates).
func (bc *Blockchain[T]) InsertBlockWithParent(block T, parent consensus.H256) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	hash := block.Hash()
	if _, exists := bc.blocks[hash]; exists {
		return consensus.NewNodeError(consensus.ERR_BLOCK_ALREADY_EXISTS, "blockchain: block already exists")
	}

	allowed := bc.validParents(block)
	found := false
	for _, h := range allowed {
		if h == parent {
			found = true
			break
		}
	}
	if !found {
		return consensus.NewNodeError(consensus.ERR_PARENT_NOT_IN_VALID_SET, "blockchain: parent not in block's valid parent set")
	}

	parentNode, ok := bc.nodes[parent]
	if !ok {
		return consensus.NewNodeError(consensus.ERR_PARENT_MISSING, "blockchain: parent not present")
	}

	node := &chainNode{
		hash:          hash,
		parent:        parent,
		height:        parentNode.height + 1,
		longestHeight: parentNode.height + 1,
	}
	parentNode.children = append(parentNode.children, hash)
	bc.nodes[hash] = node
	bc.blocks[hash] = block

	for cur, ok := bc.nodes[parent], true; ok; cur, ok = bc.nodes[cur.parent] {
		if node.longestHeight > cur.longestHeight {
			cur.longestHeight = node.longestHeight
		}
		if cur.hash == bc.genesis {
			break
		}
	}

	if node.height > bc.height {
		bc.height = node.height
		bc.tip = hash
	}
	return nil
}

// Tip returns the last block's hash of the current longest chain.
func (bc *Blockchain[T]) Tip() consensus.H256 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip
}

// Size reports how many blocks this chain holds across every branch.
func (bc *Blockchain[T]) Size() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.blocks)
}

// GetBlock looks up a block by hash regardless of which branch it's on.
func (bc *Blockchain[T]) GetBlock(hash consensus.H256) (T, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	b, ok := bc.blocks[hash]
	return b, ok
}

// GetBlockHeight reports a block's distance from genesis along its own
// branch, regardless of whether that branch is the current longest one.
func (bc *Blockchain[T]) GetBlockHeight(hash consensus.H256) (int, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	n, ok := bc.nodes[hash]
	if !ok {
		return 0, false
	}
	return n.height, true
}

// AllBlocksInLongestChain returns every block hash on the current longest
// chain, ordered from genesis to tip.
func (bc *Blockchain[T]) AllBlocksInLongestChain() []consensus.H256 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.pathTo(bc.tip)
}

// AllBlocksEndWithBlock returns the path from genesis to hash, or false if
// hash isn't part of this chain.
func (bc *Blockchain[T]) AllBlocksEndWithBlock(hash consensus.H256) ([]consensus.H256, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if _, ok := bc.nodes[hash]; !ok {
		return nil, false
	}
	return bc.pathTo(hash), true
}

// pathTo walks parent pointers from hash back to genesis, then reverses the
// result. Caller must hold at least a read lock.
func (bc *Blockchain[T]) pathTo(hash consensus.H256) []consensus.H256 {
	var reversed []consensus.H256
	for cur := hash; ; {
		reversed = append(reversed, cur)
		if cur == bc.genesis {
			break
		}
		cur = bc.nodes[cur].parent
	}
	path := make([]consensus.H256, len(reversed))
	for i, h := range reversed {
		path[i] = reversed[len(reversed)-1-i]
	}
	return path
}

// IsBlockConfirmed reports whether hash has at least k confirmations: its
// deepest descendant branch reaches k blocks past it. A block with no
// children yet (longestHeight == height) is not confirmed unless k == 0.
func (bc *Blockchain[T]) IsBlockConfirmed(hash consensus.H256, k int) bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	n, ok := bc.nodes[hash]
	if !ok {
		return false
	}
	return n.longestHeight-n.height >= k
}

// GetForkingRate is 1 minus the fraction of all known blocks that ended up
// on the longest chain; 0.0 means no forking has been observed.
func (bc *Blockchain[T]) GetForkingRate() float64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	total := len(bc.blocks)
	if total == 0 {
		return 0
	}
	return 1 - float64(len(bc.pathTo(bc.tip)))/float64(total)
}
