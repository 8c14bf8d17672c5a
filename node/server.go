package node

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"optchain.dev/node/crypto"
	"optchain.dev/node/node/p2p"
)

// p2pMagic tags every Optchain wire frame; the protocol has no separate
// mainnet/testnet/devnet split (unlike the teacher's networkMagic), so one
// constant value suffices.
const p2pMagic uint32 = 0x4f505443 // "OPTC"

const dialRetryInterval = 1 * time.Second

// Server owns the node's TCP surface: it accepts inbound connections,
// dials and redials the configured bootstrap peers, and fans outbound
// messages out to every peer currently connected. It implements
// Broadcaster so a Network can be driven without knowing how peers are
// reached (spec.md §7: "bootstrap peers are reconnected on a 1 s loop
// forever").
type Server struct {
	cfg     Config
	handler p2p.Handler
	peerCfg p2p.PeerConfig
	log     *zap.Logger

	mu       sync.Mutex
	peers    map[*p2p.Peer]struct{}
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
}

// SetHandler sets (or replaces) the message handler. Network and Server
// have a mutual dependency — Network needs a Broadcaster and Server needs
// a Handler — so the handler is settable after construction, letting the
// caller build both then wire them together before Start.
func (s *Server) SetHandler(handler p2p.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *Server) getHandler() p2p.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func NewServer(cfg Config, handler p2p.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log,
		peers:   make(map[*p2p.Peer]struct{}),
		peerCfg: p2p.PeerConfig{Magic: p2pMagic, Crypto: crypto.DevStdCryptoProvider{}},
	}
}

// Start opens the P2P listener and launches the accept loop plus one dial
// loop per configured bootstrap peer. A second call while already running
// is a no-op.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.P2PAddr)
	if err != nil {
		s.running.Store(false)
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	// P2PWorkers accept loops share the one listener; net.Listener.Accept is
	// safe to call concurrently, so this is a plain way to let more than one
	// inbound handshake be in flight at a time under load.
	workers := s.cfg.P2PWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, ln)
		}()
	}

	for _, addr := range s.cfg.ConnectTo {
		addr := addr
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dialLoop(ctx, addr)
		}()
	}
	return nil
}

// Stop closes the listener, cancels every peer session, and waits for all
// goroutines (accept loop, dial loops, peer sessions) to return.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	ln := s.listener
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) Running() bool { return s.running.Load() }

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Info("p2p: accept failed", zap.Error(err))
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runPeer(ctx, conn, p2p.PeerRoleInbound)
		}()
	}
}

func (s *Server) dialLoop(ctx context.Context, addr string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			s.log.Info("p2p: dial failed, retrying", zap.String("addr", addr), zap.Error(err))
			if !sleep(ctx, dialRetryInterval) {
				return
			}
			continue
		}
		s.runPeer(ctx, conn, p2p.PeerRoleOutbound)
		if !sleep(ctx, dialRetryInterval) {
			return
		}
	}
}

func (s *Server) runPeer(ctx context.Context, conn net.Conn, role p2p.PeerRole) {
	peer, err := p2p.NewPeer(conn, role, s.peerCfg)
	if err != nil {
		s.log.Info("p2p: peer setup failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	s.register(peer)
	defer s.unregister(peer)
	defer conn.Close()

	if err := peer.Run(ctx, s.getHandler()); err != nil {
		s.log.Info("p2p: peer session ended", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
	}
}

func (s *Server) register(peer *p2p.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer] = struct{}{}
}

func (s *Server) unregister(peer *p2p.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
}

// Broadcast implements node.Broadcaster: every currently connected peer
// gets the message; a send failure only drops that one peer (its session
// goroutine will observe the closed connection and unregister itself).
func (s *Server) Broadcast(command string, payload []byte) {
	s.mu.Lock()
	peers := make([]*p2p.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(command, payload); err != nil {
			s.log.Info("p2p: broadcast send failed", zap.Error(err))
		}
	}
}

// PeerCount reports how many sessions are currently connected.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
