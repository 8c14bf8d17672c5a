package node

import (
	"container/list"
	"sync"

	"optchain.dev/node/consensus"
)

// Mempool is a FIFO queue of transaction blocks, keyed by hash for O(1)
// membership checks, insertion order preserved for Pop. Grounded on
// original_source's mempool/mod.rs: a hash-indexed map plus a parallel FIFO
// of hashes, kept as two structures here too rather than folded into one
// ordered map, since Go's stdlib has no ordered-map type to lean on.
type Mempool struct {
	mu     sync.Mutex
	blocks map[consensus.H256]consensus.TransactionBlock
	queue  *list.List
	elems  map[consensus.H256]*list.Element
}

func NewMempool() *Mempool {
	return &Mempool{
		blocks: make(map[consensus.H256]consensus.TransactionBlock),
		queue:  list.New(),
		elems:  make(map[consensus.H256]*list.Element),
	}
}

// Insert adds tb to the tail of the queue. Idempotent by hash: re-inserting
// an already-present block is a no-op and reports false.
func (m *Mempool) Insert(tb consensus.TransactionBlock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := tb.Hash()
	if _, exists := m.blocks[hash]; exists {
		return false
	}
	m.blocks[hash] = tb
	m.elems[hash] = m.queue.PushBack(hash)
	return true
}

// PopOne removes and returns the oldest queued transaction block, or false
// if the mempool is empty.
func (m *Mempool) PopOne() (consensus.TransactionBlock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	front := m.queue.Front()
	if front == nil {
		return consensus.TransactionBlock{}, false
	}
	hash := front.Value.(consensus.H256)
	m.queue.Remove(front)
	delete(m.elems, hash)
	tb := m.blocks[hash]
	delete(m.blocks, hash)
	return tb, true
}

// Get returns the transaction block for hash without removing it.
func (m *Mempool) Get(hash consensus.H256) (consensus.TransactionBlock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tb, ok := m.blocks[hash]
	return tb, ok
}

func (m *Mempool) Contains(hash consensus.H256) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocks[hash]
	return ok
}

// GetAllHashes returns every hash currently held, in FIFO order.
func (m *Mempool) GetAllHashes() []consensus.H256 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]consensus.H256, 0, m.queue.Len())
	for e := m.queue.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(consensus.H256))
	}
	return out
}

// Delete removes every hash in the list, wherever it sits in the queue.
func (m *Mempool) Delete(hashes []consensus.H256) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hash := range hashes {
		if e, ok := m.elems[hash]; ok {
			m.queue.Remove(e)
			delete(m.elems, hash)
		}
		delete(m.blocks, hash)
	}
}

// Size reports how many transaction blocks the mempool currently holds.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// GetTxBlocks takes up to num transaction blocks from the front of the
// queue without removing them, preferring ones whose shard id matches
// preferShard when more than num are available. It returns whatever it
// found alongside ERR_PARTIAL if that is fewer than num — matching the
// draft's own Result<Vec, Vec> shape for this same query, left
// unimplemented there (mempool/mod.rs's get_tx_blocks is a "to be
// completed" stub).
func (m *Mempool) GetTxBlocks(num int, preferShard uint32) ([]consensus.TransactionBlock, error) {
	m.mu.Lock()
	all := make([]consensus.TransactionBlock, 0, m.queue.Len())
	for e := m.queue.Front(); e != nil; e = e.Next() {
		all = append(all, m.blocks[e.Value.(consensus.H256)])
	}
	m.mu.Unlock()

	if len(all) <= num {
		if len(all) < num {
			return all, consensus.NewNodeError(consensus.ERR_PARTIAL, "mempool: fewer transaction blocks than requested")
		}
		return all, nil
	}

	preferred := make([]consensus.TransactionBlock, 0, num)
	rest := make([]consensus.TransactionBlock, 0, len(all))
	for _, tb := range all {
		if tb.Header.ShardID == preferShard && len(preferred) < num {
			preferred = append(preferred, tb)
		} else {
			rest = append(rest, tb)
		}
	}
	out := preferred
	for i := 0; len(out) < num && i < len(rest); i++ {
		out = append(out, rest[i])
	}
	return out, nil
}
