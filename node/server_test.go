package node

import (
	"net"
	"testing"
	"time"

	"optchain.dev/node/node/p2p"
)

type recordingHandler struct {
	commands chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{commands: make(chan string, 16)}
}

func (h *recordingHandler) OnMessage(peer *p2p.Peer, command string, payload []byte) error {
	h.commands <- command
	return nil
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServerAcceptsInboundConnectionsAndExchangesPing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2PAddr = freePort(t)
	handler := newRecordingHandler()
	srv := NewServer(cfg, handler, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer srv.Stop()

	conn, err := net.DialTimeout("tcp", cfg.P2PAddr, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	// Ping/Pong is answered at the peer layer itself (p2p.Peer.Run), never
	// forwarded to a Handler, so the server's opening Ping is read directly
	// from the raw connection rather than through a second Peer.
	msg, rerr := p2p.ReadMessage(conn, srv.peerCfg.Crypto, p2pMagic)
	if rerr != nil {
		t.Fatalf("unexpected error reading opening message: %v", rerr)
	}
	if msg.Command != p2p.CmdPing {
		t.Fatalf("expected the server's opening Ping, got %q", msg.Command)
	}

	deadline := time.After(2 * time.Second)
	for srv.PeerCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the server to register the inbound peer")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServerBroadcastReachesAllConnectedPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2PAddr = freePort(t)
	handler := newRecordingHandler()
	srv := NewServer(cfg, handler, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer srv.Stop()

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", cfg.P2PAddr, time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		conns = append(conns, conn)
		defer conn.Close()
	}

	deadline := time.After(2 * time.Second)
	for srv.PeerCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all inbound peers to register")
		case <-time.After(5 * time.Millisecond):
		}
	}

	srv.Broadcast(p2p.CmdNewTxBlockHash, []byte("hello"))

	for _, conn := range conns {
		msg, rerr := p2p.ReadMessage(conn, srv.peerCfg.Crypto, p2pMagic)
		if msg != nil && msg.Command == p2p.CmdPing {
			msg, rerr = p2p.ReadMessage(conn, srv.peerCfg.Crypto, p2pMagic)
		}
		if rerr != nil {
			t.Fatalf("unexpected error reading broadcast: %v", rerr)
		}
		if msg.Command != p2p.CmdNewTxBlockHash {
			t.Fatalf("expected broadcast command, got %q", msg.Command)
		}
	}
}

func TestServerDialLoopConnectsToBootstrapPeer(t *testing.T) {
	listenerCfg := DefaultConfig()
	listenerCfg.P2PAddr = freePort(t)
	listenerHandler := newRecordingHandler()
	listener := NewServer(listenerCfg, listenerHandler, nil)
	if err := listener.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer listener.Stop()

	dialerCfg := DefaultConfig()
	dialerCfg.P2PAddr = freePort(t)
	dialerCfg.ConnectTo = []string{listenerCfg.P2PAddr}
	dialerHandler := newRecordingHandler()
	dialer := NewServer(dialerCfg, dialerHandler, nil)
	if err := dialer.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer dialer.Stop()

	deadline := time.After(2 * time.Second)
	for listener.PeerCount() == 0 || dialer.PeerCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dial loop to connect")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServerStartStopIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2PAddr = freePort(t)
	srv := NewServer(cfg, newRecordingHandler(), nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("unexpected error on second Start: %v", err)
	}
	srv.Stop()
	srv.Stop()
}
