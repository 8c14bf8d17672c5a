package node

import (
	"encoding/json"
	"testing"
	"time"

	"optchain.dev/node/consensus"
	"optchain.dev/node/node/p2p"
)

func TestVerifierRescanBroadcastsGetSymbolsForUnreferredCommitment(t *testing.T) {
	net, mc, bcast := newTestNetwork(t, 1, 0, 2, 1, 2)

	genesisHash := mc.GetLongestProposerChainHash()
	localTx := consensus.TransactionBlock{Header: consensus.BlockHeader{ShardID: 0, CmtRoot: consensus.Sha256([]byte("cmt")), Timestamp: 1}}
	propChild := mkProposer(t, 0, genesisHash, 1, 1, localTx)
	if err := mc.InsertBlockWithParent(propChild, genesisHash, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	net.RescanUnreferredCommitments()

	payload := bcast.last(p2p.CmdGetSymbols)
	if payload == nil {
		t.Fatalf("expected a GetSymbols broadcast for the unreferred commitment")
	}
	var requested []consensus.SymbolIndex
	if err := json.Unmarshal(payload, &requested); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requested) == 0 {
		t.Fatalf("expected at least one requested symbol index")
	}
	for _, idx := range requested {
		if idx.Root != localTx.Header.CmtRoot {
			t.Fatalf("expected requests for the unreferred commitment's root, got %v", idx.Root)
		}
	}
}

func TestVerifierRescanRerequestsStillMissingSymbolsOnLaterTick(t *testing.T) {
	net, mc, bcast := newTestNetwork(t, 1, 0, 2, 1, 2)

	genesisHash := mc.GetLongestProposerChainHash()
	localTx := consensus.TransactionBlock{Header: consensus.BlockHeader{ShardID: 0, CmtRoot: consensus.Sha256([]byte("cmt")), Timestamp: 1}}
	propChild := mkProposer(t, 0, genesisHash, 1, 1, localTx)
	if err := mc.InsertBlockWithParent(propChild, genesisHash, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	net.RescanUnreferredCommitments()
	firstCount := bcast.count(p2p.CmdGetSymbols)
	if firstCount == 0 {
		t.Fatalf("expected a first broadcast")
	}

	// The commitment's symbols never arrive; a later tick must re-request
	// the same (still-missing) indices instead of treating
	// ERR_ALREADY_REQUESTED as "nothing left to do."
	net.RescanUnreferredCommitments()
	if bcast.count(p2p.CmdGetSymbols) <= firstCount {
		t.Fatalf("expected a second GetSymbols broadcast on the next tick")
	}
}

func TestVerifierStartStopTicksAtLeastOnce(t *testing.T) {
	net, mc, bcast := newTestNetwork(t, 1, 0, 2, 1, 2)

	genesisHash := mc.GetLongestProposerChainHash()
	localTx := consensus.TransactionBlock{Header: consensus.BlockHeader{ShardID: 0, CmtRoot: consensus.Sha256([]byte("cmt")), Timestamp: 1}}
	propChild := mkProposer(t, 0, genesisHash, 1, 1, localTx)
	if err := mc.InsertBlockWithParent(propChild, genesisHash, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v := NewVerifier(net, 10*time.Millisecond, nil)
	if v.Running() {
		t.Fatalf("expected verifier to start stopped")
	}
	v.Start()
	if !v.Running() {
		t.Fatalf("expected verifier to report running after Start")
	}
	// A second Start while already running must not spawn a duplicate loop.
	v.Start()

	deadline := time.After(2 * time.Second)
	for bcast.count(p2p.CmdGetSymbols) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the verifier to tick")
		case <-time.After(5 * time.Millisecond):
		}
	}

	v.Stop()
	if v.Running() {
		t.Fatalf("expected verifier to report stopped after Stop")
	}
	// A second Stop once already stopped must not block or panic.
	v.Stop()
}

func TestNewVerifierFallsBackToDefaultIntervalOnNonPositive(t *testing.T) {
	net, _, _ := newTestNetwork(t, 1, 1, 1, 1, 4)
	v := NewVerifier(net, 0, nil)
	if v.interval != defaultVerifierInterval {
		t.Fatalf("expected default interval, got %v", v.interval)
	}
}
