package p2p

import (
	"context"
	"fmt"
	"net"
	"time"

	"optchain.dev/node/crypto"
)

type PeerRole int

const (
	PeerRoleUnknown PeerRole = iota
	PeerRoleInbound
	PeerRoleOutbound
)

// Handler receives every message a Peer reads off the wire, tagged by its
// command string. Ping is answered by Peer.Run itself (liveness needs no
// domain knowledge); everything else is the caller's concern.
type Handler interface {
	OnMessage(peer *Peer, command string, payload []byte) error
}

type PeerConfig struct {
	Magic  uint32
	Crypto crypto.CryptoProvider

	// IdleTimeout, if non-zero, sets a read deadline per message to avoid
	// stuck connections.
	IdleTimeout time.Duration
}

// Peer is one TCP connection's read loop: frame, dispatch, repeat. The
// protocol has no version handshake; peers exchange Ping on connect per
// spec.md §6, which Run sends itself before entering the read loop.
type Peer struct {
	Conn   net.Conn
	Role   PeerRole
	Config PeerConfig
}

func NewPeer(conn net.Conn, role PeerRole, cfg PeerConfig) (*Peer, error) {
	if conn == nil {
		return nil, fmt.Errorf("p2p: peer: nil conn")
	}
	if cfg.Crypto == nil {
		return nil, fmt.Errorf("p2p: peer: nil crypto provider")
	}
	return &Peer{Conn: conn, Role: role, Config: cfg}, nil
}

func (p *Peer) Send(command string, payload []byte) error {
	return WriteMessage(p.Conn, p.Config.Crypto, p.Config.Magic, command, payload)
}

// Run sends an opening Ping, then reads and dispatches messages until ctx
// is cancelled, the handler fails, or the connection errs. Checksum or
// command-framing errors drop the offending message and keep the
// connection open (validation errors in this prototype are logged and
// dropped, not penalized); a read/transport error or a handler error ends
// the session.
func (p *Peer) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("p2p: peer: nil handler")
	}

	opening, err := EncodePingPayload(PingPayload{Text: "hello"})
	if err != nil {
		return err
	}
	if err := p.Send(CmdPing, opening); err != nil {
		return err
	}

	if ctx != nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = p.Conn.Close()
			case <-done:
			}
		}()
		defer close(done)
	}

	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		if p.Config.IdleTimeout > 0 {
			_ = p.Conn.SetReadDeadline(time.Now().Add(p.Config.IdleTimeout))
		}
		msg, rerr := ReadMessage(p.Conn, p.Config.Crypto, p.Config.Magic)
		if rerr != nil {
			if rerr.Disconnect {
				return rerr
			}
			continue
		}

		if msg.Command == CmdPing {
			pp, err := DecodePingPayload(msg.Payload)
			if err != nil {
				continue
			}
			pong, err := EncodePongPayload(PongPayload{Text: pp.Text})
			if err != nil {
				return err
			}
			if err := p.Send(CmdPong, pong); err != nil {
				return err
			}
			continue
		}

		if err := h.OnMessage(p, msg.Command, msg.Payload); err != nil {
			return err
		}
	}
}
