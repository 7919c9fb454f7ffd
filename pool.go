package ipc

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nyxtable/ipc/internal/callslot"
)

// Pool is the (peer, identity) -> connection directory. At most one
// connection exists per key at a time.
type Pool struct {
	mu    sync.Mutex
	conns map[connKey]*connection
}

func newPool() *Pool {
	return &Pool{conns: make(map[connKey]*connection)}
}

// acquire looks up or creates the connection for key, registers call on
// it, and returns it once registration succeeds. If the connection it
// finds is already closing, register returns false and acquire retries
// against a freshly created connection — this is the race the source
// handles between a caller finding a connection and that connection
// transitioning to closing before registration completes.
//
// setupIO is invoked outside the pool lock: holding the lock across a
// multi-second connect would stall every other caller.
func (p *Pool) acquire(key connKey, call *callslot.Slot, cfg *Config, logger *zap.Logger, stopCh <-chan struct{}) (*connection, error) {
	for {
		p.mu.Lock()
		conn, ok := p.conns[key]
		if !ok {
			conn = newConnection(key, cfg, logger, p, stopCh)
			p.conns[key] = conn
		}
		p.mu.Unlock()

		if !conn.register(call) {
			// conn lost the race to closing between lookup and
			// registration; help it out of the map so the next
			// iteration creates a fresh connection instead of
			// spinning against the same stale entry.
			p.removeIfSame(key, conn)
			continue
		}

		if err := conn.setupIO(); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// removeIfSame removes key's mapping only if it still points to conn, the
// defence against a racing replacement.
func (p *Pool) removeIfSame(key connKey, conn *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[key] == conn {
		delete(p.conns, key)
	}
}

// snapshot returns every pooled connection, used by Stop to fan out
// interrupts.
func (p *Pool) snapshot() []*connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// size reports the number of pooled connections, used by Stop's
// poll-until-empty wait.
func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
