package ipc

// connKey identifies a pooled connection by peer address and identity.
// Identity equality is by pointer: *Identity is comparable in Go's == sense
// by address, which is exactly the object-identity semantics spec'd for the
// pool key, so connKey needs no custom Hash/Equal — it is usable directly as
// a map key.
type connKey struct {
	addr     string
	identity *Identity
}
