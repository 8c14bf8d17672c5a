package node

import (
	"testing"

	"optchain.dev/node/consensus"
)

func mkProposer(t *testing.T, shardID uint32, propParent consensus.H256, ts uint64, nonce uint32, txs ...consensus.TransactionBlock) consensus.VersaBlock {
	t.Helper()
	if len(txs) == 0 {
		txs = []consensus.TransactionBlock{{Header: consensus.BlockHeader{ShardID: shardID, Timestamp: ts}}}
	}
	header := consensus.BlockHeader{ShardID: shardID, PropParent: propParent, Timestamp: ts}
	tree, err := consensus.NewMerkleTree(txs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	header.PropRoot = tree.Root()
	pb := consensus.NewProposerBlock(header, nonce, tree)
	return consensus.NewVersaProposer(pb)
}

func mkExAvailability(t *testing.T, shardID uint32, interParent consensus.H256, ts uint64, nonce uint32) consensus.VersaBlock {
	t.Helper()
	header := consensus.BlockHeader{ShardID: shardID, InterParent: interParent, Timestamp: ts}
	tree, err := consensus.NewMerkleTree([]consensus.TransactionBlock{{Header: header}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	header.AvaiRoot = tree.Root()
	ab := consensus.NewAvailabilityBlock(header, nonce, consensus.Exclusive, tree)
	return consensus.NewVersaAvailability(ab)
}

func mkInAvailability(t *testing.T, shardID uint32, globalParents []consensus.ShardParent, ts uint64, nonce uint32) consensus.VersaBlock {
	t.Helper()
	header := consensus.BlockHeader{ShardID: shardID, GlobalParents: globalParents, Timestamp: ts}
	tree, err := consensus.NewMerkleTree([]consensus.TransactionBlock{{Header: header}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	header.AvaiRoot = tree.Root()
	ab := consensus.NewAvailabilityBlock(header, nonce, consensus.Inclusive, tree)
	return consensus.NewVersaAvailability(ab)
}

func mkOrdering(t *testing.T, orderParent consensus.H256, confirmed []consensus.ShardParent, ts uint64, nonce uint32) consensus.OrderingBlock {
	t.Helper()
	header := consensus.BlockHeader{OrderParent: orderParent, Timestamp: ts}
	header.OrderRoot = consensus.ConfirmedAvailabilityRoot(confirmed)
	return consensus.NewOrderingBlock(header, nonce, confirmed)
}

func newTestMultichain(t *testing.T, shardCount int, k int) *Multichain {
	t.Helper()
	propGenesis := mkProposer(t, 0, consensus.H256{}, 0, 0)
	avaiGenesis := make([]consensus.VersaBlock, shardCount)
	for i := range avaiGenesis {
		avaiGenesis[i] = mkExAvailability(t, uint32(i), consensus.H256{}, 0, uint32(i))
	}
	orderGenesis := mkOrdering(t, consensus.H256{}, nil, 0, 0)
	return NewMultichain(0, shardCount, k, propGenesis, avaiGenesis, orderGenesis)
}

func TestMultichainGenesisWiring(t *testing.T) {
	mc := newTestMultichain(t, 2, 1)
	if mc.GetLongestProposerChainHash().IsZero() {
		t.Fatalf("expected a non-zero proposer genesis hash")
	}
	if got := mc.GetAllHighestAvaiBlocks(); len(got) != 2 {
		t.Fatalf("expected one tip per shard, got %d", len(got))
	}
}

func TestMultichainProposerInsertAccumulatesLocalCmts(t *testing.T) {
	mc := newTestMultichain(t, 1, 1)
	propGenesisHash := mc.GetLongestProposerChainHash()

	localTx := consensus.TransactionBlock{Header: consensus.BlockHeader{ShardID: 0, Timestamp: 1}}
	remoteTx := consensus.TransactionBlock{Header: consensus.BlockHeader{ShardID: 7, Timestamp: 1}}
	child := mkProposer(t, 0, propGenesisHash, 1, 1, localTx, remoteTx)

	if err := mc.InsertBlockWithParent(child, propGenesisHash, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unreferred := mc.GetUnreferredCmt(child.Hash())
	if len(unreferred) != 1 {
		t.Fatalf("expected only the local-shard commitment to be carried, got %d", len(unreferred))
	}
	if unreferred[0].Header.ShardID != 0 {
		t.Fatalf("expected the local-shard transaction block, got shard %d", unreferred[0].Header.ShardID)
	}
}

func TestMultichainAvailabilityInsertRestrictedToLocalShard(t *testing.T) {
	mc := newTestMultichain(t, 2, 1)
	shard0Tip := mc.GetHighestAvaiBlock(0)
	shard1Tip := mc.GetHighestAvaiBlock(1)

	child0 := mkExAvailability(t, 0, shard0Tip, 1, 1)
	if err := mc.InsertBlockWithParent(child0, shard0Tip, 0); err != nil {
		t.Fatalf("unexpected error inserting into local shard: %v", err)
	}

	child1 := mkExAvailability(t, 1, shard1Tip, 1, 1)
	if err := mc.InsertBlockWithParent(child1, shard1Tip, 1); err != nil {
		t.Fatalf("unexpected error inserting into remote shard: %v", err)
	}

	mc.mu.RLock()
	_, localTracked := mc.hash2AvaiCmts[child0.Hash()]
	_, remoteTracked := mc.hash2AvaiCmts[child1.Hash()]
	mc.mu.RUnlock()
	if !localTracked {
		t.Fatalf("expected local shard's cumulative set to be extended")
	}
	if remoteTracked {
		t.Fatalf("did not expect a cumulative set entry for a non-local shard insert")
	}
}

func TestMultichainOrderingRejectsOverlappingConfirmation(t *testing.T) {
	mc := newTestMultichain(t, 1, 1)
	orderGenesisHash := mc.GetOrderingTip()
	shard0Tip := mc.GetHighestAvaiBlock(0)

	confirmed := []consensus.ShardParent{{Hash: shard0Tip, ShardID: 0}}
	first := mkOrdering(t, orderGenesisHash, confirmed, 1, 1)
	if err := mc.InsertOrderingBlock(first, orderGenesisHash); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := mkOrdering(t, first.Hash(), confirmed, 2, 2)
	err := mc.InsertOrderingBlock(second, first.Hash())
	if err == nil {
		t.Fatalf("expected an overlap error re-confirming the same availability block")
	}
	if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_OVERLAPPING_CONFIRMATION {
		t.Fatalf("expected ERR_OVERLAPPING_CONFIRMATION, got %v", err)
	}
}

func TestMultichainGetUnreferredCmtEmptyAtGenesis(t *testing.T) {
	mc := newTestMultichain(t, 1, 1)
	propGenesisHash := mc.GetLongestProposerChainHash()
	if got := mc.GetUnreferredCmt(propGenesisHash); len(got) != 0 {
		t.Fatalf("expected no unreferred commitments at genesis, got %d", len(got))
	}
}

func TestMultichainGetAvaiTxBlocksPartialBelowK(t *testing.T) {
	mc := newTestMultichain(t, 1, 2)
	if _, err := mc.GetAvaiTxBlocks(1); err == nil {
		t.Fatalf("expected ERR_PARTIAL with no commitments available yet")
	} else if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_PARTIAL {
		t.Fatalf("expected ERR_PARTIAL, got %v", err)
	}
}

func TestMultichainGetNewConfirmedAvaiSetRespectsDepthK(t *testing.T) {
	mc := newTestMultichain(t, 1, 1)
	shard0Genesis := mc.GetHighestAvaiBlock(0)

	child := mkExAvailability(t, 0, shard0Genesis, 1, 1)
	if err := mc.InsertBlockWithParent(child, shard0Genesis, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newSet := mc.GetNewConfirmedAvaiSet()
	found := false
	for _, sp := range newSet {
		if sp.Hash == shard0Genesis {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected genesis to be confirmed once the chain extends by k=1, got %v", newSet)
	}
}
