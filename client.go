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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nyxtable/ipc/internal/callslot"
)

// Client is the public surface callers use
// to issue a single call, a parallel fan-out of calls, and a
// reference-counted stop.
type Client struct {
	config *Config
	logger *zap.Logger
	pool   *Pool

	idMu   sync.Mutex
	nextID int32

	running  atomic.Bool
	stopCh   chan struct{}
	refCount atomic.Int64
}

// New builds a Client from DefaultConfig overridden by opts. WithValueFactory
// must be supplied — there is no sensible default for materializing
// response payloads.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ValueFactory == nil {
		return nil, fmt.Errorf("ipc: WithValueFactory is required")
	}

	c := &Client{
		config: cfg,
		logger: cfg.Logger,
		pool:   newPool(),
		stopCh: make(chan struct{}),
	}
	c.running.Store(true)
	return c, nil
}

// nextCallID allocates a monotonically increasing call id under the
// facade's lock. Wrapping is undefined; practical traffic never
// approaches overflow.
func (c *Client) nextCallID() int32 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Call is a convenience for CallWithIdentity(param, addr, nil).
func (c *Client) Call(param Payload, addr string) (Payload, error) {
	return c.CallWithIdentity(param, addr, nil)
}

// CallWithIdentity issues a single request to addr, carrying identity
// once at connection setup, and blocks for the typed reply or a terminal
// error.
func (c *Client) CallWithIdentity(param Payload, addr string, identity *Identity) (Payload, error) {
	if !c.running.Load() {
		return nil, &IOError{Addr: addr, err: ErrClientStopped}
	}

	slot := callslot.New(c.nextCallID(), param)

	conn, err := c.pool.acquire(connKey{addr: addr, identity: identity}, slot, c.config, c.logger, c.stopCh)
	if err != nil {
		return nil, c.translateAcquireError(addr, err)
	}

	if err := conn.send(slot); err != nil {
		return nil, c.translateAcquireError(addr, err)
	}

	value, callErr := slot.Await()
	if callErr != nil {
		return nil, c.translateCallError(addr, callErr)
	}
	payload, _ := value.(Payload)
	return payload, nil
}

// translateAcquireError classifies a connection-setup failure into the
// Section 7 error taxonomy. Remote errors never occur here: a remote
// error can only arrive as a call outcome, never as an acquire/send
// failure.
func (c *Client) translateAcquireError(addr string, err error) error {
	switch err.(type) {
	case *ConnectError, *TimeoutError, *IOError, *UnknownHostError:
		return err
	}
	if err == ErrClientStopped {
		return &IOError{Addr: addr, err: err}
	}
	return wrapTransportError(addr, err)
}

// translateCallError classifies a terminal call-slot outcome. A
// RemoteError is raised without an envelope, with its stack trace
// re-captured here on the caller's goroutine; any other cause is a local
// transport failure and is wrapped into the matching envelope.
func (c *Client) translateCallError(addr string, err error) error {
	if remote, ok := err.(*RemoteError); ok {
		return newRemoteError(remote.Class, remote.Message)
	}
	switch err.(type) {
	case *ConnectError, *TimeoutError, *IOError, *UnknownHostError:
		return err
	}
	return wrapTransportError(addr, err)
}

// CallMany dispatches params[i] to addrs[i] for each i and blocks until
// every live call has completed. It returns an error only when params and
// addrs differ in length; per-call failures never raise: a connection acquire
// or send failure for index i is logged and decrements the coordinator's
// expected count, leaving values[i] nil; a remote or transport failure
// observed after submission also leaves values[i] nil.
func (c *Client) CallMany(params []Payload, addrs []string) ([]Payload, error) {
	if len(params) != len(addrs) {
		return nil, fmt.Errorf("ipc: params and addrs length mismatch: %d != %d", len(params), len(addrs))
	}
	results := newParallelResults(len(params))

	var group errgroup.Group
	for i := range params {
		i := i
		group.Go(func() error {
			c.dispatchParallelCall(results, params[i], addrs[i], i)
			return nil
		})
	}
	_ = group.Wait()

	return results.wait(), nil
}

// dispatchParallelCall is one ParallelCall: it behaves like CallWithIdentity
// except its completion routes to the shared coordinator instead of
// returning to an individual caller.
func (c *Client) dispatchParallelCall(results *parallelResults, param Payload, addr string, index int) {
	if !c.running.Load() {
		c.logger.Warn("parallel call skipped: client stopped", zap.String("addr", addr))
		results.decrementSize()
		return
	}

	slot := callslot.New(c.nextCallID(), param)

	conn, err := c.pool.acquire(connKey{addr: addr}, slot, c.config, c.logger, c.stopCh)
	if err != nil {
		c.logger.Warn("parallel call acquire failed", zap.String("addr", addr), zap.Error(err))
		results.decrementSize()
		return
	}

	if err := conn.send(slot); err != nil {
		c.logger.Warn("parallel call send failed", zap.String("addr", addr), zap.Error(err))
		results.decrementSize()
		return
	}

	value, callErr := slot.Await()
	if callErr != nil {
		c.logger.Warn("parallel call failed", zap.String("addr", addr), zap.Error(callErr))
		results.callComplete(index, nil)
		return
	}
	payload, _ := value.(Payload)
	results.callComplete(index, payload)
}

// Retain increments the advisory reference count used by shared ownership
// across multiple higher-level users.
func (c *Client) Retain() { c.refCount.Add(1) }

// Release decrements the advisory reference count.
func (c *Client) Release() int64 { return c.refCount.Add(-1) }

// zeroReferences reports whether the advisory reference count has
// dropped to zero. It is advisory only: Stop ignores it.
func (c *Client) zeroReferences() bool { return c.refCount.Load() <= 0 }

// Stop tears the client down unconditionally, ignoring the reference
// count. It is idempotent: a second call returns nil immediately.
func (c *Client) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	close(c.stopCh)

	conns := c.pool.snapshot()
	for _, conn := range conns {
		conn.interrupt()
	}

	var errs error
	for _, conn := range conns {
		select {
		case <-conn.readerDone:
		case <-time.After(c.config.PingInterval + 5*time.Second):
			errs = multierr.Append(errs, fmt.Errorf("ipc: connection to %s did not shut down", conn.remoteAddress()))
		}
	}

	for c.pool.size() > 0 {
		time.Sleep(100 * time.Millisecond)
	}

	c.logger.Info("client stopped")
	return errs
}
