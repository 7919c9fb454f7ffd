package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// ErrClosedConnection is the cause synthesized by close() when a
// connection closes with pending calls but no recorded failure.
var ErrClosedConnection = errors.New("unexpected closed connection")

// ErrClientStopped is returned when a connection is acquired after
// Client.Stop has run. It is its own kind rather than a reuse of the
// transport-interruption cause, so callers can distinguish a deliberate
// stop from a network failure.
var ErrClientStopped = errors.New("ipc: client stopped")

// ErrGoneAway names a connection superseded by a fresh one for the same
// key. No code path in this package records it as a close cause: the pool
// drops a closing connection rather than replacing a live one.
var ErrGoneAway = errors.New("ipc: connection superseded")

// RemoteError is the client-visible form of a server response with
// is_error=true: the server-supplied class name and message, surfaced
// without any envelope wrapping so callers can inspect it directly.
type RemoteError struct {
	Class   string
	Message string
	stack   []uintptr
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// newRemoteError captures a stack trace at the point the error is
// observed by the caller, not where the server raised it.
func newRemoteError(class, message string) *RemoteError {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	return &RemoteError{Class: class, Message: message, stack: pcs[:n]}
}

// StackTrace returns the call stack captured where the remote error was
// observed by the client.
func (e *RemoteError) StackTrace() []uintptr { return e.stack }

// ConnectError wraps a connection-refused failure, tagged with the peer
// address that refused. Cause() unwraps to the original net error.
type ConnectError struct {
	Addr string
	err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("ipc: connect to %s refused: %v", e.Addr, e.err) }
func (e *ConnectError) Unwrap() error { return e.err }
func (e *ConnectError) Cause() error  { return pkgerrors.Cause(e.err) }

// TimeoutError wraps a socket-timeout failure, tagged with the peer
// address.
type TimeoutError struct {
	Addr string
	err  error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("ipc: call to %s timed out: %v", e.Addr, e.err) }
func (e *TimeoutError) Unwrap() error { return e.err }
func (e *TimeoutError) Cause() error  { return pkgerrors.Cause(e.err) }

// IOError is the generic transport-failure envelope, tagged with the peer
// address, for any local I/O failure that is neither a refused connect nor
// a timeout.
type IOError struct {
	Addr string
	err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("ipc: I/O error talking to %s: %v", e.Addr, e.err) }
func (e *IOError) Unwrap() error { return e.err }
func (e *IOError) Cause() error  { return pkgerrors.Cause(e.err) }

// UnknownHostError is the envelope for a peer address that cannot be
// resolved. Nothing in this package constructs it: connections do not
// resolve their address at construction, and a resolution failure returned
// by the SocketFactory is classified by wrapTransportError like any other
// connect failure.
type UnknownHostError struct {
	Addr string
	err  error
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("ipc: unknown host %s: %v", e.Addr, e.err)
}
func (e *UnknownHostError) Unwrap() error { return e.err }

// wrapTransportError classifies a local I/O failure into the typed
// envelopes above, preserving the cause chain via github.com/pkg/errors.
func wrapTransportError(addr string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := pkgerrors.WithStack(err)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Addr: addr, err: wrapped}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &ConnectError{Addr: addr, err: wrapped}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return &ConnectError{Addr: addr, err: wrapped}
	}
	return &IOError{Addr: addr, err: wrapped}
}

// isConnectTimeout reports whether err represents a connect-attempt
// timeout, for the purposes of the dedicated counter that allows 45
// retries after timed-out attempts.
func isConnectTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isEOFOrClosed reports whether err indicates the peer closed the
// connection, distinct from a genuine protocol or transport failure.
func isEOFOrClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
