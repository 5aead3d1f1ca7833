package loom

import "encoding/gob"

// Every concrete type that might ride inside a CallMsg/CallFetchMsg's
// Args []interface{} or a ResultMsg's Value interface{} must be
// registered with gob, the same way internal/wire/types.go registers
// every Body implementation. This covers the types this package itself
// puts on the wire; an embedding application must Register its own
// argument/result types the same way, exactly as reign requires callers
// to register their own mailbox message types (connection.go's doc
// comment: "you'll need to provide a registration of all types of
// messages you send").
func init() {
	gob.Register(RRID{})
	gob.Register(NodeID(0))
	gob.Register(&RemoteError{})
	gob.Register(struct{}{})
	gob.Register(cachedClosure{})
	gob.Register([]interface{}{})
}
