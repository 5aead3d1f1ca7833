/*

Package wire carries the message types that must be public for gob's
sake but have no place in the main package documentation: the frame
header, the boundary marker, and the nine tagged body types spec.md §6
enumerates.

Some identifier types are re-declared here (IntNodeID, IntRRID)
because they can't be imported from the main loom package without an
import cycle: loom needs to decode into these structs, and these structs
need only the wire-shape of node/RRID identifiers, not the main
package's behavior.

*/
package wire

import (
	"encoding/binary"
	"encoding/gob"

	"github.com/google/uuid"
)

func init() {
	gob.Register(&CallMsg{})
	gob.Register(&CallFetchMsg{})
	gob.Register(&CallWaitMsg{})
	gob.Register(&RemoteDoMsg{})
	gob.Register(&ResultMsg{})
	gob.Register(&IdentifySocketMsg{})
	gob.Register(&IdentifySocketAckMsg{})
	gob.Register(&JoinPGRPMsg{})
	gob.Register(&JoinCompleteMsg{})
	gob.Register([]ClientPair{})
}

// IntNodeID mirrors the NodeID type in the main package.
type IntNodeID uint16

// IntRRID mirrors the RRID type in the main package, in wire form.
type IntRRID struct {
	Whence IntNodeID
	ID     uint64
	Where  IntNodeID
}

// IsNil reports whether this is the null RRID, which per spec.md §4.C
// means "no response expected".
func (r IntRRID) IsNil() bool {
	return r.Whence == 0 && r.ID == 0
}

// Header is the fixed 32-byte prefix of every frame: the RRID of the
// cell the response should be delivered to, and the RRID that should be
// notified on completion (used only by CallWaitMsg). Both are the null
// RRID when unused.
type Header struct {
	ResponseOID IntRRID
	NotifyOID   IntRRID
}

// BoundaryMarker is the fixed 10-byte magic footer of every frame,
// letting a reader resync after a body fails to deserialize: the header
// is still known-good, so the recipient can synthesize a ResultMsg
// carrying the decode failure addressed to ResponseOID, then keep
// reading at the next frame.
var BoundaryMarker = [10]byte{0x79, 0x8E, 0x8E, 0xF5, 0x6E, 0x9B, 0x2E, 0x97, 0xD5, 0x7D}

// Body tags, in the order spec.md §6 specifies: CallWait,
// IdentifySocketAck, IdentifySocket, JoinComplete, JoinPGRP, RemoteDo,
// Result, Call{call}, Call{call_fetch}.
const (
	TagCallWait uint8 = iota + 1
	TagIdentifySocketAck
	TagIdentifySocket
	TagJoinComplete
	TagJoinPGRP
	TagRemoteDo
	TagResult
	TagCall
	TagCallFetch
)

// Body is implemented by every message that can appear as a frame body.
type Body interface {
	Tag() uint8
}

// CallMsg requests invocation of a named function on the receiving
// node, with the result to be Put into the cell at Header.ResponseOID.
type CallMsg struct {
	Func string
	Args []interface{}
}

func (*CallMsg) Tag() uint8 { return TagCall }

// CallFetchMsg is identical to CallMsg except the response cell is
// transient: the caller is going to Take it once and delete it.
type CallFetchMsg struct {
	Func string
	Args []interface{}
}

func (*CallFetchMsg) Tag() uint8 { return TagCallFetch }

// CallWaitMsg requests invocation, delivering the result to
// Header.ResponseOID and a completion signal to Header.NotifyOID.
type CallWaitMsg struct {
	Func string
	Args []interface{}
}

func (*CallWaitMsg) Tag() uint8 { return TagCallWait }

// RemoteDoMsg requests fire-and-forget invocation; no response is ever
// sent, regardless of success or failure.
type RemoteDoMsg struct {
	Func string
	Args []interface{}
}

func (*RemoteDoMsg) Tag() uint8 { return TagRemoteDo }

// ResultMsg carries the outcome of a Call/CallFetch/CallWait, or a
// captured decode failure addressed to the RRID named in the frame
// header this ResultMsg answers.
type ResultMsg struct {
	Value interface{}
	// Err is set, instead of Value, when the invocation panicked, the
	// invoked function returned an error, or (for the boundary-resync
	// case) the frame body failed to decode.
	Err *RemoteErrorMsg
}

func (*ResultMsg) Tag() uint8 { return TagResult }

// RemoteErrorMsg is the wire shape of a captured remote failure.
type RemoteErrorMsg struct {
	Node    IntNodeID
	Message string
	Stack   string
}

// IdentifySocketMsg is the first message the dialing side sends once the
// TLS handshake on a fresh socket has completed (connector.go); the
// accepting side answers it with an IdentifySocketAckMsg (listener.go).
type IdentifySocketMsg struct {
	From        IntNodeID
	InstanceID  uuid.UUID
	ClusterHash uint32
}

func (*IdentifySocketMsg) Tag() uint8 { return TagIdentifySocket }

// IdentifySocketAckMsg acknowledges an IdentifySocketMsg; only after
// this round trip does a WorkerLink transition to Connected.
type IdentifySocketAckMsg struct {
	From        IntNodeID
	InstanceID  uuid.UUID
	ClusterHash uint32
}

func (*IdentifySocketAckMsg) Tag() uint8 { return TagIdentifySocketAck }

// JoinPGRPMsg is sent by a node joining a process group to announce
// itself to the group's other members.
type JoinPGRPMsg struct {
	Node IntNodeID
	Role uint8
}

func (*JoinPGRPMsg) Tag() uint8 { return TagJoinPGRP }

// JoinCompleteMsg acknowledges a JoinPGRPMsg.
type JoinCompleteMsg struct {
	Node IntNodeID
}

func (*JoinCompleteMsg) Tag() uint8 { return TagJoinComplete }

// ClientPair names an RRID and the node whose clientset membership is
// being added or removed, for GC coalescing (spec.md §4.F). It rides as
// an argument of a RemoteDoMsg targeting the "loom.add_clients"/
// "loom.del_clients" builtins rather than as a body type of its own:
// spec.md §4.C/§6 close the wire format to exactly nine tagged body
// types, so GC coalescing (and the Ping keepalive) are just ordinary
// remote_do calls, not new tags.
type ClientPair struct {
	RRID IntRRID
	Node IntNodeID
}

// EncodeUvarint returns v in binary.PutUvarint's variable-length
// encoding. This package has no matching decoder, and nothing in this
// module calls it.
func EncodeUvarint(v uint64) []byte {
	b := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(b, v)
	return b[:n]
}
