package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, factory SocketFactory, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithValueFactory(stringValueFactory),
		WithSocketFactory(factory),
		WithLogger(testLogger()),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

// S1 — happy single call.
func TestCallHappyPath(t *testing.T) {
	client := newTestClient(t, newFakePeer(echoHandler))

	reply, err := client.Call(&stringPayload{Value: "ping"}, "region-a:1234")
	require.NoError(t, err)
	require.Equal(t, "ping", reply.(*stringPayload).Value)
	require.Equal(t, 1, client.pool.size())
}

// S2 — remote error; connection stays open and subsequent calls succeed.
func TestCallRemoteError(t *testing.T) {
	client := newTestClient(t, newFakePeer(remoteErrorHandler("org.example.BoomException", "boom")))

	_, err := client.Call(&stringPayload{Value: "first"}, "region-a:1234")
	require.Error(t, err)
	remote, ok := err.(*RemoteError)
	require.True(t, ok, "expected *RemoteError, got %T", err)
	require.Equal(t, "org.example.BoomException", remote.Class)
	require.Equal(t, "boom", remote.Message)

	reply, err := client.Call(&stringPayload{Value: "second"}, "region-a:1234")
	require.NoError(t, err)
	require.Equal(t, "second", reply.(*stringPayload).Value)
}

// S3 — connect refused; exactly maxRetries+1 attempts, no pooled connection.
func TestCallConnectRefused(t *testing.T) {
	var attempts int
	client := newTestClient(t, refusingSocketFactory(&attempts), WithMaxRetries(10))

	_, err := client.Call(&stringPayload{Value: "x"}, "region-bad:1234")
	require.Error(t, err)
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "region-bad:1234", connErr.Addr)
	require.Equal(t, 11, attempts)
	require.Equal(t, 0, client.pool.size())
}

// S4 — idle eviction: a new connection is created after the old one
// evicts itself.
func TestIdleEviction(t *testing.T) {
	client := newTestClient(t, newFakePeer(echoHandler), WithMaxIdleTime(50*time.Millisecond))

	_, err := client.Call(&stringPayload{Value: "warm up"}, "region-a:1234")
	require.NoError(t, err)
	require.Equal(t, 1, client.pool.size())

	require.Eventually(t, func() bool {
		return client.pool.size() == 0
	}, time.Second, 10*time.Millisecond, "connection did not idle-evict")

	_, err = client.Call(&stringPayload{Value: "after evict"}, "region-a:1234")
	require.NoError(t, err)
	require.Equal(t, 1, client.pool.size())
}

// S5 — ping during a long read; the eventual response still arrives and
// at least one ping was observed meanwhile.
func TestPingDuringLongRead(t *testing.T) {
	var pings int
	pingInterval := 30 * time.Millisecond
	client := newTestClient(t, newFakePeer(delayedEchoHandler(120*time.Millisecond, &pings)),
		WithPingInterval(pingInterval))

	reply, err := client.Call(&stringPayload{Value: "slow"}, "region-a:1234")
	require.NoError(t, err)
	require.Equal(t, "slow", reply.(*stringPayload).Value)
	require.GreaterOrEqual(t, pings, 1)
}

// S6 — parallel partial failure: one address refuses, the others answer.
func TestCallManyPartialFailure(t *testing.T) {
	var attempts int
	goodFactory := newFakePeer(echoHandler)
	badFactory := refusingSocketFactory(&attempts)

	client := newTestClient(t, dispatchByAddr(map[string]SocketFactory{
		"region-a:1234": goodFactory,
		"region-bad:1":  badFactory,
	}), WithMaxRetries(2))

	values, err := client.CallMany(
		[]Payload{
			&stringPayload{Value: "v1"},
			&stringPayload{Value: "v2"},
			&stringPayload{Value: "v3"},
		},
		[]string{"region-a:1234", "region-bad:1", "region-a:1234"},
	)
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.Equal(t, "v1", values[0].(*stringPayload).Value)
	require.Nil(t, values[1])
	require.Equal(t, "v3", values[2].(*stringPayload).Value)
}

// TestStopIsIdempotentAndDrainsPool exercises property 6: after Stop
// returns, the pool is empty.
func TestStopIsIdempotentAndDrainsPool(t *testing.T) {
	client := newTestClient(t, newFakePeer(echoHandler))

	_, err := client.Call(&stringPayload{Value: "hi"}, "region-a:1234")
	require.NoError(t, err)
	require.Equal(t, 1, client.pool.size())

	require.NoError(t, client.Stop())
	require.Equal(t, 0, client.pool.size())
	require.NoError(t, client.Stop()) // idempotent
}

// dispatchByAddr routes to a different fake SocketFactory per address,
// the way a test harness stands in for several distinct peers sharing one
// Client.
func dispatchByAddr(byAddr map[string]SocketFactory) SocketFactory {
	return func(addr string) (net.Conn, error) {
		factory, ok := byAddr[addr]
		if !ok {
			factory = byAddr["region-a:1234"]
		}
		return factory(addr)
	}
}
