package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultVerifierInterval = 30 * time.Second

// Verifier runs spec.md §4.8's periodic liveness backstop: on every tick it
// asks the network to rescan the proposer tip's unreferred commitment list
// and re-request whatever symbols are still missing. It exists because
// request-on-commit (Network.requestSymbolsForNewCommitments) only fires
// once, when a commitment first becomes unreferred — if the resulting
// GetSymbols or the peer's Symbols reply is ever dropped, nothing else
// retries without this loop.
type Verifier struct {
	net      *Network
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewVerifier builds a Verifier ticking every interval (0 or negative falls
// back to the spec's documented default of 30 seconds).
func NewVerifier(net *Network, interval time.Duration, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultVerifierInterval
	}
	return &Verifier{net: net, interval: interval, log: log}
}

// Start launches the tick loop. A second call while already running is a
// no-op.
func (v *Verifier) Start() {
	if !v.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.mu.Lock()
	v.cancel = cancel
	v.mu.Unlock()

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.loop(ctx)
	}()
}

// Stop cancels the tick loop and waits for it to return. A second call
// after the verifier is already stopped is a no-op.
func (v *Verifier) Stop() {
	if !v.running.CompareAndSwap(true, false) {
		return
	}
	v.mu.Lock()
	cancel := v.cancel
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	v.wg.Wait()
}

// Running reports whether the tick loop is currently active.
func (v *Verifier) Running() bool { return v.running.Load() }

func (v *Verifier) loop(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.net.RescanUnreferredCommitments()
		}
	}
}
