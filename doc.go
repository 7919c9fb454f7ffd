// Package ipc implements a multiplexed request/response client used to talk
// to the region servers and master of a distributed table store.
//
// One long-lived connection is kept per (peer address, identity) pair. Many
// calls are interleaved on that connection, correlated by a per-connection
// call id, with idle eviction, keepalive pings riding on read timeouts, and
// bounded connect retries. Higher level callers (for example a retryable
// scanner) invoke Client.Call or Client.CallMany; serialization of the
// request and response payloads is delegated to the Payload each caller
// supplies.
package ipc
