package p2p

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"optchain.dev/node/crypto"
)

type testHandler struct {
	msgsSeen atomic.Int32
}

func (h *testHandler) OnMessage(_ *Peer, _ string, _ []byte) error {
	h.msgsSeen.Add(1)
	return nil
}

func TestPeerPingPongLoopback(t *testing.T) {
	var cp crypto.DevStdCryptoProvider
	magic := uint32(0x0B110907)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer c.Close()

		p, err := NewPeer(c, PeerRoleInbound, PeerConfig{Magic: magic, Crypto: cp})
		if err != nil {
			serverErr <- err
			return
		}
		th := &testHandler{}
		go func() { time.Sleep(300 * time.Millisecond); cancel() }()
		serverErr <- p.Run(ctx, th)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The server's Run sends an opening Ping immediately; read it and
	// confirm a Pong comes back automatically.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	opening, rerr := ReadMessage(conn, cp, magic)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if opening.Command != CmdPing {
		t.Fatalf("expected an opening ping, got %q", opening.Command)
	}

	ping, _ := EncodePingPayload(PingPayload{Text: "hi"})
	if err := WriteMessage(conn, cp, magic, CmdPing, ping); err != nil {
		t.Fatal(err)
	}

	msg, rerr := ReadMessage(conn, cp, magic)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if msg.Command != CmdPong {
		t.Fatalf("expected pong, got %q", msg.Command)
	}
	pp, err := DecodePongPayload(msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if pp.Text != "hi" {
		t.Fatalf("expected echoed text %q, got %q", "hi", pp.Text)
	}

	_ = <-serverErr
}
