package ipc

import (
	"bytes"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nyxtable/ipc/internal/wire"
)

// stringPayload is the test Payload: a length-prefixed UTF-8 string,
// standing in for the table store's real request/response types.
type stringPayload struct {
	Value string
}

func (p *stringPayload) Write(w io.Writer) error {
	return wire.WriteUTFString(w, p.Value)
}

func (p *stringPayload) Read(r io.Reader) error {
	s, err := wire.ReadUTFString(r)
	if err != nil {
		return err
	}
	p.Value = s
	return nil
}

func stringValueFactory() Payload { return &stringPayload{} }

// fakePeer is an in-process stand-in for a region server: it reads the
// connection header, then serves incoming request frames according to a
// caller-supplied handler. Built on net.Pipe so tests never open a real
// socket.
type fakePeer struct {
	clientConn net.Conn
	serverConn net.Conn
}

// newFakePeer returns a socket factory that, ignoring the requested
// address, hands back one side of an in-memory pipe while driving the
// server side with handle in a background goroutine.
func newFakePeer(handle func(server net.Conn, identity []byte)) SocketFactory {
	return func(addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			identity, err := wire.ReadHeader(server)
			if err != nil {
				server.Close()
				return
			}
			handle(server, identity)
		}()
		return client, nil
	}
}

// echoHandler replies to every request with the same payload it
// received, as a *stringPayload value.
func echoHandler(server net.Conn, _ []byte) {
	defer server.Close()
	for {
		callID, payloadLen, err := wire.ReadRequestHeader(server)
		if err != nil {
			return
		}
		if callID == wire.PingCallID {
			continue
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(server, payload); err != nil {
			return
		}
		s, err := wire.ReadUTFString(serverBytesReader(payload))
		if err != nil {
			return
		}
		resp := &stringPayload{Value: s}
		var buf nopWriter
		_ = resp.Write(&buf)
		if err := wire.WriteResponseValue(server, callID, buf.bytes); err != nil {
			return
		}
	}
}

// remoteErrorHandler replies to the first request with a remote
// exception, then keeps serving subsequent requests normally (S2: other
// in-flight calls unaffected).
func remoteErrorHandler(class, message string) func(net.Conn, []byte) {
	return func(server net.Conn, _ []byte) {
		defer server.Close()
		first := true
		for {
			callID, payloadLen, err := wire.ReadRequestHeader(server)
			if err != nil {
				return
			}
			if callID == wire.PingCallID {
				continue
			}
			payload := make([]byte, payloadLen)
			if _, err := io.ReadFull(server, payload); err != nil {
				return
			}
			if first {
				first = false
				if err := wire.WriteResponseError(server, callID, class, message); err != nil {
					return
				}
				continue
			}
			s, _ := wire.ReadUTFString(serverBytesReader(payload))
			resp := &stringPayload{Value: s}
			var buf nopWriter
			_ = resp.Write(&buf)
			if err := wire.WriteResponseValue(server, callID, buf.bytes); err != nil {
				return
			}
		}
	}
}

// delayedEchoHandler delays its single reply by d, incrementing pingCount
// for each ping it observes before it answers (S5).
func delayedEchoHandler(d time.Duration, pingCount *int) func(net.Conn, []byte) {
	return func(server net.Conn, _ []byte) {
		defer server.Close()
		deadline := time.Now().Add(d)
		for {
			callID, payloadLen, err := wire.ReadRequestHeader(server)
			if err != nil {
				return
			}
			if callID == wire.PingCallID {
				*pingCount++
				continue
			}
			payload := make([]byte, payloadLen)
			if _, err := io.ReadFull(server, payload); err != nil {
				return
			}
			for time.Now().Before(deadline) {
				server.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
				pingID, _, err := wire.ReadRequestHeader(server)
				if err == nil && pingID == wire.PingCallID {
					*pingCount++
				}
			}
			server.SetReadDeadline(time.Time{})
			s, _ := wire.ReadUTFString(serverBytesReader(payload))
			resp := &stringPayload{Value: s}
			var buf nopWriter
			_ = resp.Write(&buf)
			wire.WriteResponseValue(server, callID, buf.bytes)
			return
		}
	}
}

// refusingSocketFactory simulates a peer that refuses every connection
// attempt and counts how many attempts were made.
func refusingSocketFactory(attempts *int) SocketFactory {
	return func(addr string) (net.Conn, error) {
		*attempts++
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
}

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// nopWriter is a tiny growable buffer that the fake-peer handlers
// serialize response payloads into.
type nopWriter struct{ bytes []byte }

func (w *nopWriter) Write(p []byte) (int, error) {
	w.bytes = append(w.bytes, p...)
	return len(p), nil
}

func serverBytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
