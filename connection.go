// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nyxtable/ipc/internal/callslot"
	"github.com/nyxtable/ipc/internal/wire"
)

// connState is a tagged-variant replacement for the source's implicit
// should_close flag soup: Initial -> Connecting -> Open -> Closing ->
// Closed, Closing reachable from any of connect-exhausted, reader
// failure, sender failure, idle timeout, or client stop.
type connState int32

const (
	stateInitial connState = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// connection owns one socket to one (peer, identity) key, plus the reader
// goroutine that demultiplexes its responses.
type connection struct {
	key    connKey
	config *Config
	logger *zap.Logger
	pool   *Pool   // weak handle, used only to self-deregister on close
	stopCh <-chan struct{}

	state atomic.Int32

	netConn   net.Conn
	writeMu   sync.Mutex // serializes writers: request sends and pings
	connMu    sync.Mutex // guards netConn itself during setup

	pendingMu sync.Mutex
	pending   map[int32]*callslot.Slot
	notifyCh  chan struct{} // buffered 1, signals waitForWork of new work

	lastActivity atomic.Int64 // unix nanos

	dieCh     chan struct{}
	closeOnce sync.Once
	closeCause error // written once, before dieCh closes; safe to read after

	closeStarted atomic.Bool
	readerDone   chan struct{}

	setupMu   sync.Mutex
	setupDone chan struct{}
	setupErr  error
}

func newConnection(key connKey, cfg *Config, logger *zap.Logger, pool *Pool, stopCh <-chan struct{}) *connection {
	c := &connection{
		key:        key,
		config:     cfg,
		logger:     logger,
		pool:       pool,
		stopCh:     stopCh,
		pending:    make(map[int32]*callslot.Slot),
		notifyCh:   make(chan struct{}, 1),
		dieCh:      make(chan struct{}),
		readerDone: make(chan struct{}),
		setupDone:  make(chan struct{}),
	}
	c.state.Store(int32(stateInitial))
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// remoteAddress reports the peer address for diagnostics.
func (c *connection) remoteAddress() string { return c.key.addr }

func (c *connection) touchActivity() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *connection) activityTime() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *connection) isClosing() bool {
	select {
	case <-c.dieCh:
		return true
	default:
		return false
	}
}

func (c *connection) isRunning() bool {
	select {
	case <-c.stopCh:
		return false
	default:
		return true
	}
}

// register atomically inserts call into pending and wakes the reader.
// Returns false iff the connection is already closing; the caller must
// retry against a fresh connection acquisition.
func (c *connection) register(call *callslot.Slot) bool {
	if c.isClosing() {
		return false
	}
	c.pendingMu.Lock()
	if c.isClosing() {
		c.pendingMu.Unlock()
		return false
	}
	c.pending[call.ID] = call
	c.pendingMu.Unlock()

	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
	return true
}

func (c *connection) popPending(id int32) *callslot.Slot {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	slot := c.pending[id]
	if slot != nil {
		delete(c.pending, id)
	}
	return slot
}

func (c *connection) hasPending() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending) > 0
}

// send serializes the request frame under the write mutex. On I/O failure
// the connection is marked closing with the failure as cause.
func (c *connection) send(call *callslot.Slot) error {
	payload, ok := call.Payload.(Payload)
	if !ok {
		return fmt.Errorf("ipc: call payload does not implement Payload")
	}
	var buf bytes.Buffer
	if err := payload.Write(&buf); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.netConn
	if conn == nil {
		return errors.New("ipc: send on unconnected connection")
	}
	if err := wire.WriteRequest(conn, call.ID, buf.Bytes()); err != nil {
		wrapped := wrapTransportError(c.key.addr, err)
		c.markClosed(wrapped)
		return wrapped
	}
	c.touchActivity()
	return nil
}

// sendPing writes a ping frame only if the connection has been idle for
// at least PingInterval, coalescing redundant pings.
func (c *connection) sendPing() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if time.Since(c.activityTime()) < c.config.PingInterval {
		return
	}
	conn := c.netConn
	if conn == nil {
		return
	}
	if err := wire.WritePing(conn); err != nil {
		c.markClosed(wrapTransportError(c.key.addr, err))
		return
	}
	c.touchActivity()
}

// markClosed is a CAS false->true on the closing transition: the first
// cause recorded wins, subsequent calls are no-ops. Returns true iff this
// call performed the transition.
func (c *connection) markClosed(cause error) bool {
	transitioned := false
	c.closeOnce.Do(func() {
		transitioned = true
		c.closeCause = cause
		c.state.Store(int32(stateClosing))
		close(c.dieCh)
	})
	return transitioned
}

// setupIO performs the connect-retry loop and spawns the reader goroutine.
// Idempotent: concurrent or repeated callers observe the single outcome of
// the first invocation. Must be called outside the pool's lock.
func (c *connection) setupIO() error {
	c.setupMu.Lock()
	select {
	case <-c.setupDone:
		c.setupMu.Unlock()
		return c.setupErr
	default:
	}
	defer func() {
		close(c.setupDone)
		c.setupMu.Unlock()
	}()

	c.state.Store(int32(stateConnecting))

	conn, err := c.connectWithRetry()
	if err != nil {
		c.setupErr = err
		c.markClosed(err)
		c.close()
		return err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(c.config.TCPNoDelay)
	}

	c.connMu.Lock()
	c.netConn = conn
	c.connMu.Unlock()

	var identity []byte
	if c.key.identity != nil {
		identity = c.key.identity.Raw
	}
	if err := wire.WriteHeader(conn, identity); err != nil {
		wrapped := wrapTransportError(c.key.addr, err)
		c.setupErr = wrapped
		c.markClosed(wrapped)
		c.close()
		return wrapped
	}
	c.touchActivity()
	c.state.Store(int32(stateOpen))

	go c.readerLoop()
	return nil
}

// connectWithRetry runs the fixed-20s-timeout, 1s-backoff connect loop
// with its two independent failure counters. The sleep between attempts
// happens while holding setupMu, deliberately serializing reconnect
// storms for this connection.
func (c *connection) connectWithRetry() (net.Conn, error) {
	var timeoutAttempts, ioAttempts int
	var lastErr error

	for {
		if !c.isRunning() {
			return nil, ErrClientStopped
		}

		conn, err := c.config.SocketFactory(c.key.addr)
		if err == nil {
			return conn, nil
		}
		if conn != nil {
			_ = conn.Close()
		}
		lastErr = err

		if isConnectTimeout(err) {
			timeoutAttempts++
			if timeoutAttempts > maxConnectTimeouts {
				return nil, wrapTransportError(c.key.addr, lastErr)
			}
		} else {
			ioAttempts++
			if ioAttempts > c.config.MaxRetries {
				return nil, wrapTransportError(c.key.addr, lastErr)
			}
		}

		select {
		case <-time.After(connectBackoff):
		case <-c.stopCh:
			return nil, ErrClientStopped
		}
	}
}

// idleRemaining reports how long this connection may stay idle before
// eviction becomes due.
func (c *connection) idleRemaining() time.Duration {
	return c.config.MaxIdleTime - time.Since(c.activityTime())
}

// readerLoop is the per-connection reader goroutine: it demultiplexes
// responses by call id while the connection is open, evicts the
// connection when idle, and answers a client stop by marking closed with
// a dedicated ClientStopped cause when calls are still pending.
func (c *connection) readerLoop() {
	defer close(c.readerDone)
	defer c.close()

	for {
		if c.isClosing() {
			return
		}

		if c.hasPending() {
			if err := c.receiveResponse(); err != nil {
				c.markClosed(wrapTransportError(c.key.addr, err))
				return
			}
			continue
		}

		remaining := c.idleRemaining()
		if remaining <= 0 {
			c.markClosed(nil) // idle eviction: no cause
			return
		}

		select {
		case <-c.notifyCh:
			continue
		case <-c.dieCh:
			return
		case <-c.stopCh:
			if c.hasPending() {
				c.markClosed(ErrClientStopped)
			} else {
				c.markClosed(nil)
			}
			return
		case <-time.After(remaining):
			continue
		}
	}
}

// receiveResponse reads exactly one response frame, looping through
// read-timeouts to emit keepalive pings (the pseudo-heartbeat protocol)
// until either a frame arrives or a terminal failure occurs.
func (c *connection) receiveResponse() error {
	for {
		conn := c.netConn
		if conn == nil {
			return errors.New("ipc: receive on unconnected connection")
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.config.PingInterval)); err != nil {
			return err
		}

		hdr, err := wire.ReadResponseHeader(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if !c.isClosing() && c.isRunning() {
					c.sendPing()
					continue
				}
			}
			return err
		}

		c.touchActivity()

		if hdr.CallID == wire.PingCallID {
			return fmt.Errorf("ipc: received ping sentinel as a response call id: protocol error")
		}

		slot := c.popPending(hdr.CallID)
		if slot == nil {
			return fmt.Errorf("ipc: response for unregistered call id %d: protocol error", hdr.CallID)
		}

		if hdr.IsError {
			class, message, err := wire.ReadErrorBody(conn)
			if err != nil {
				return err
			}
			slot.CompleteError(newRemoteError(class, message))
			return nil
		}

		value := c.config.ValueFactory()
		if err := value.Read(conn); err != nil {
			return err
		}
		slot.CompleteValue(value)
		return nil
	}
}

// close tears the connection down. It requires the connection to already
// be in the closing state (markClosed must have run); a second invocation
// logs and returns, matching the idempotence spec'd for close().
func (c *connection) close() error {
	if !c.closeStarted.CompareAndSwap(false, true) {
		c.logger.Debug("close called on already-closing connection", zap.String("addr", c.key.addr))
		return nil
	}
	if !c.isClosing() {
		c.logger.Warn("close called before connection was marked closing", zap.String("addr", c.key.addr))
		return nil
	}

	c.pool.removeIfSame(c.key, c)

	var closeErr error
	c.connMu.Lock()
	conn := c.netConn
	c.connMu.Unlock()
	if conn != nil {
		type closeWriter interface{ CloseWrite() error }
		type closeReader interface{ CloseRead() error }
		if cw, ok := conn.(closeWriter); ok {
			closeErr = multierr.Append(closeErr, cw.CloseWrite())
		}
		if cr, ok := conn.(closeReader); ok {
			closeErr = multierr.Append(closeErr, cr.CloseRead())
		}
		closeErr = multierr.Append(closeErr, conn.Close())
	}

	cause := c.closeCause
	if cause == nil && c.hasPending() {
		cause = ErrClosedConnection
	}
	if cause != nil {
		c.cleanupCalls(cause)
	}

	c.state.Store(int32(stateClosed))
	if cause != nil && !isEOFOrClosed(cause) {
		c.logger.Warn("connection closed", zap.String("addr", c.key.addr), zap.Error(cause))
	} else {
		c.logger.Info("connection closed", zap.String("addr", c.key.addr), zap.Error(cause))
	}
	return closeErr
}

// interrupt is Client.Stop's per-connection cancellation: it marks the
// connection closing with ClientStopped and closes the underlying socket
// directly so any reader blocked in a network read wakes immediately,
// rather than waiting out the next ping-interval timeout. This is the
// explicit-cancellation alternative to interrupting a dedicated reader
// thread, which Go's net.Conn doesn't support anyway.
func (c *connection) interrupt() {
	c.markClosed(ErrClientStopped)
	c.connMu.Lock()
	conn := c.netConn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// cleanupCalls completes every still-pending call with cause, releasing
// every waiter with an error.
func (c *connection) cleanupCalls(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, slot := range c.pending {
		slot.CompleteError(cause)
		delete(c.pending, id)
	}
}
