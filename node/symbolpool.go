package node

import (
	"encoding/json"
	"math/rand"
	"sync"

	"optchain.dev/node/consensus"
	"optchain.dev/node/node/store"
)

// SymbolPool tracks which symbol indices have been sampled for each
// commitment and holds the symbols actually received so far. Requested
// sets live in memory (root2index in original_source/symbolpool/mod.rs is
// the same: a plain HashMap, never persisted); received symbols are
// durable, keyed by the symbol's own hash, in the byte store's symbols
// bucket — the same split the original draws between its in-memory
// root2index and its on-disk hash2symbol Database<Symbol>.
type SymbolPool struct {
	db *store.DB

	mu        sync.Mutex
	requested map[consensus.H256][]uint32

	exReqNum          int
	inReqNum          int
	numSymbolPerBlock int
}

func NewSymbolPool(db *store.DB, exReqNum, inReqNum, numSymbolPerBlock int) *SymbolPool {
	return &SymbolPool{
		db:                db,
		requested:         make(map[consensus.H256][]uint32),
		exReqNum:          exReqNum,
		inReqNum:          inReqNum,
		numSymbolPerBlock: numSymbolPerBlock,
	}
}

// RequestSymbolsForNewCmt chooses, on first request for cmtRoot, r indices
// uniformly at random without replacement from 0..num_symbol_per_block,
// where r is exReqNum for a commitment from the local shard, inReqNum
// otherwise. The chosen set is fixed for the lifetime of the pool: a
// second request for the same root returns ERR_ALREADY_REQUESTED rather
// than drawing again or appending.
func (sp *SymbolPool) RequestSymbolsForNewCmt(cmtRoot consensus.H256, isOwnShard bool) ([]consensus.SymbolIndex, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if _, exists := sp.requested[cmtRoot]; exists {
		return nil, consensus.NewNodeError(consensus.ERR_ALREADY_REQUESTED, "symbolpool: cmt_root already requested")
	}

	r := sp.inReqNum
	if isOwnShard {
		r = sp.exReqNum
	}
	indices := chooseWithoutReplacement(sp.numSymbolPerBlock, r)
	sp.requested[cmtRoot] = indices

	out := make([]consensus.SymbolIndex, len(indices))
	for i, idx := range indices {
		out[i] = consensus.SymbolIndex{Root: cmtRoot, Index: idx}
	}
	return out, nil
}

// chooseWithoutReplacement draws min(r, n) distinct indices from 0..n via a
// partial Fisher-Yates shuffle.
func chooseWithoutReplacement(n, r int) []uint32 {
	if r > n {
		r = n
	}
	pool := make([]uint32, n)
	for i := range pool {
		pool[i] = uint32(i)
	}
	for i := 0; i < r; i++ {
		j := i + rand.Intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:r]
}

// CheckIfRequested reports whether symbolIndex.Index was among the indices
// drawn for symbolIndex.Root.
func (sp *SymbolPool) CheckIfRequested(symbolIndex consensus.SymbolIndex) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, idx := range sp.requested[symbolIndex.Root] {
		if idx == symbolIndex.Index {
			return true
		}
	}
	return false
}

// InsertSymbol verifies sym's Merkle proof and, if it was one of the
// requested indices for its root and isn't already stored, persists it by
// hash.
func (sp *SymbolPool) InsertSymbol(sym consensus.Symbol) error {
	if !sp.CheckIfRequested(sym.Index) {
		return consensus.NewNodeError(consensus.ERR_NOT_REQUESTED, "symbolpool: symbol index was not requested")
	}
	if !sym.Verify() {
		return consensus.NewNodeError(consensus.ERR_BAD_PROOF, "symbolpool: symbol failed Merkle verification")
	}

	hash := sym.Hash()
	if present, err := sp.db.Contains(store.BucketSymbols, hash); err != nil {
		return consensus.NewNodeError(consensus.ERR_FATAL, "symbolpool: store read failed: "+err.Error())
	} else if present {
		return consensus.NewNodeError(consensus.ERR_ALREADY_PRESENT, "symbolpool: symbol already present")
	}

	encoded, err := json.Marshal(sym)
	if err != nil {
		return consensus.NewNodeError(consensus.ERR_FATAL, "symbolpool: encode failed: "+err.Error())
	}
	if err := sp.db.Put(store.BucketSymbols, hash, encoded); err != nil {
		return consensus.NewNodeError(consensus.ERR_FATAL, "symbolpool: store write failed: "+err.Error())
	}
	return nil
}

// RequestAllAndInsert marks every index 0..num_symbol_per_block as
// requested for cmtRoot (if not already requested) and inserts every
// symbol in syms directly. Grounded on original_source's miner worker,
// which requests the full index range for a commitment it just mined
// itself and inserts every one of its own symbols immediately — the miner
// never needs to sample its own commitment, since it already holds every
// symbol in full.
func (sp *SymbolPool) RequestAllAndInsert(cmtRoot consensus.H256, syms []consensus.Symbol) error {
	sp.mu.Lock()
	if _, exists := sp.requested[cmtRoot]; !exists {
		all := make([]uint32, sp.numSymbolPerBlock)
		for i := range all {
			all[i] = uint32(i)
		}
		sp.requested[cmtRoot] = all
	}
	sp.mu.Unlock()

	for _, sym := range syms {
		if err := sp.InsertSymbol(sym); err != nil {
			if code, ok := consensus.CodeOf(err); ok && code == consensus.ERR_ALREADY_PRESENT {
				continue
			}
			return err
		}
	}
	return nil
}

// GetUnreceivedSymbols returns the requested indices for cmtRoot that have
// not yet been received, or ERR_NOT_REQUESTED if cmtRoot was never
// requested.
func (sp *SymbolPool) GetUnreceivedSymbols(cmtRoot consensus.H256) ([]consensus.SymbolIndex, error) {
	sp.mu.Lock()
	indices, ok := sp.requested[cmtRoot]
	sp.mu.Unlock()
	if !ok {
		return nil, consensus.NewNodeError(consensus.ERR_NOT_REQUESTED, "symbolpool: cmt_root was never requested")
	}

	var unreceived []consensus.SymbolIndex
	for _, idx := range indices {
		si := consensus.SymbolIndex{Root: cmtRoot, Index: idx}
		present, err := sp.db.Contains(store.BucketSymbols, si.Hash())
		if err != nil {
			return nil, consensus.NewNodeError(consensus.ERR_FATAL, "symbolpool: store read failed: "+err.Error())
		}
		if !present {
			unreceived = append(unreceived, si)
		}
	}
	return unreceived, nil
}

// GetSymbol returns the symbol stored for index, or ERR_NOT_PRESENT.
func (sp *SymbolPool) GetSymbol(index consensus.SymbolIndex) (consensus.Symbol, error) {
	raw, ok, err := sp.db.Get(store.BucketSymbols, index.Hash())
	if err != nil {
		return consensus.Symbol{}, consensus.NewNodeError(consensus.ERR_FATAL, "symbolpool: store read failed: "+err.Error())
	}
	if !ok {
		return consensus.Symbol{}, consensus.NewNodeError(consensus.ERR_NOT_PRESENT, "symbolpool: symbol not present")
	}
	var sym consensus.Symbol
	if err := json.Unmarshal(raw, &sym); err != nil {
		return consensus.Symbol{}, consensus.NewNodeError(consensus.ERR_FATAL, "symbolpool: decode failed: "+err.Error())
	}
	return sym, nil
}
