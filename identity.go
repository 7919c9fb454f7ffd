package ipc

// Identity is an opaque credential carried once at connection setup, never
// per call. Two Identity values with equal Raw are deliberately NOT
// considered the same principal for connection-pool purposes: pool keys
// compare identities by pointer, not content, because credentials obtained
// through different acquisition paths must not be assumed interchangeable.
// Callers that want two calls to share a connection must pass the same
// *Identity pointer.
type Identity struct {
	Raw []byte
}

// NewIdentity wraps raw credential bytes in a fresh Identity. Calling it
// twice with identical raw bytes yields two distinct identities for the
// purposes of connKey equality.
func NewIdentity(raw []byte) *Identity {
	if raw == nil {
		return nil
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Identity{Raw: cp}
}
