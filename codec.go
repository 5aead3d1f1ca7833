package loom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/loomrpc/loom/internal/wire"
)

// This file implements the message codec of spec.md §4.C/§6: a fixed
// 32-byte header, a one-byte body tag, the gob-serialized body, and a
// fixed 10-byte boundary. The boundary exists so a reader that fails to
// deserialize a body can resynchronize on the next frame instead of
// wedging the link.
//
// Per spec.md §4.B ("an outbound serializer with resettable state...
// send_msg... resets the serializer"), a fresh gob.Encoder/Decoder pair
// is used for every single frame rather than one long-lived encoder for
// the life of the link. This costs a little more than reusing one
// gob.Encoder across the life of a connection, but it means a
// deserialization failure can never leave hidden decoder state that
// corrupts a later, unrelated frame — exactly the guarantee the boundary
// marker is meant to provide.

func toWireHeader(response, notify RRID) wire.Header {
	return wire.Header{
		ResponseOID: wire.IntRRID{Whence: wire.IntNodeID(response.Whence), ID: response.ID, Where: wire.IntNodeID(response.Where)},
		NotifyOID:   wire.IntRRID{Whence: wire.IntNodeID(notify.Whence), ID: notify.ID, Where: wire.IntNodeID(notify.Where)},
	}
}

func fromWireRRID(r wire.IntRRID) RRID {
	return RRID{Whence: NodeID(r.Whence), ID: r.ID, Where: NodeID(r.Where)}
}

func writeHeaderFields(w io.Writer, h wire.Header) error {
	fields := [4]uint64{
		uint64(h.ResponseOID.Whence)<<48 | h.ResponseOID.ID,
		uint64(h.ResponseOID.Where),
		uint64(h.NotifyOID.Whence)<<48 | h.NotifyOID.ID,
		uint64(h.NotifyOID.Where),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func readHeaderFields(r io.Reader) (wire.Header, error) {
	var fields [4]uint64
	for i := range fields {
		if err := binary.Read(r, binary.LittleEndian, &fields[i]); err != nil {
			return wire.Header{}, err
		}
	}
	return wire.Header{
		ResponseOID: wire.IntRRID{
			Whence: wire.IntNodeID(fields[0] >> 48),
			ID:     fields[0] &^ (uint64(0xFFFF) << 48),
			Where:  wire.IntNodeID(fields[1]),
		},
		NotifyOID: wire.IntRRID{
			Whence: wire.IntNodeID(fields[2] >> 48),
			ID:     fields[2] &^ (uint64(0xFFFF) << 48),
			Where:  wire.IntNodeID(fields[3]),
		},
	}, nil
}

// writeFrame writes one complete frame: header, tag, gob-encoded body,
// boundary marker. The frame is assembled in memory and handed to w in
// a single Write. It is the caller's responsibility (link.go) to hold
// the link's write lock across this call.
func writeFrame(w io.Writer, header wire.Header, body wire.Body) error {
	var buf bytes.Buffer
	if err := writeHeaderFields(&buf, header); err != nil {
		return err
	}
	buf.WriteByte(body.Tag())
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(body); err != nil {
		return err
	}
	buf.Write(wire.BoundaryMarker[:])
	_, err := w.Write(buf.Bytes())
	return err
}

// errBodyDecodeFailed signals that the header and tag were read
// successfully but the body could not be decoded; the caller should
// treat this the way spec.md §4.C's "capture a deserialization error"
// path requires: synthesize a ResultMsg carrying the failure, addressed
// to header.ResponseOID, and keep reading (readFrame has already
// resynced the stream on the boundary marker by the time it returns
// this error).
var errBodyDecodeFailed = errors.New("loom: frame body failed to decode")

// readFrame reads one frame from r, returning the header and the
// decoded body. On a body decode failure, it scans forward for the next
// boundary marker so the stream is realigned, and returns
// errBodyDecodeFailed together with the (still valid) header.
func readFrame(r *bufio.Reader) (wire.Header, wire.Body, error) {
	header, err := readHeaderFields(r)
	if err != nil {
		return wire.Header{}, nil, err
	}

	tagByte, err := r.ReadByte()
	if err != nil {
		return header, nil, err
	}

	body, allocErr := allocBody(tagByte)
	if allocErr != nil {
		// Unknown tag: we cannot know how many bytes the body would
		// have occupied, so resync on the boundary immediately.
		if syncErr := resyncToBoundary(r); syncErr != nil {
			return header, nil, syncErr
		}
		return header, nil, errBodyDecodeFailed
	}

	dec := gob.NewDecoder(r)
	if err := dec.Decode(body); err != nil {
		if syncErr := resyncToBoundary(r); syncErr != nil {
			return header, nil, syncErr
		}
		return header, nil, errBodyDecodeFailed
	}

	var boundary [10]byte
	if _, err := io.ReadFull(r, boundary[:]); err != nil {
		return header, nil, err
	}
	if boundary != wire.BoundaryMarker {
		// The decoder consumed the wrong number of bytes somehow;
		// treat this the same as a decode failure and resync.
		if syncErr := resyncToBoundaryFrom(r, boundary[:]); syncErr != nil {
			return header, nil, syncErr
		}
		return header, nil, errBodyDecodeFailed
	}

	return header, body.(wire.Body), nil
}

func allocBody(tag uint8) (interface{}, error) {
	switch tag {
	case wire.TagCall:
		return &wire.CallMsg{}, nil
	case wire.TagCallFetch:
		return &wire.CallFetchMsg{}, nil
	case wire.TagCallWait:
		return &wire.CallWaitMsg{}, nil
	case wire.TagRemoteDo:
		return &wire.RemoteDoMsg{}, nil
	case wire.TagResult:
		return &wire.ResultMsg{}, nil
	case wire.TagIdentifySocket:
		return &wire.IdentifySocketMsg{}, nil
	case wire.TagIdentifySocketAck:
		return &wire.IdentifySocketAckMsg{}, nil
	case wire.TagJoinPGRP:
		return &wire.JoinPGRPMsg{}, nil
	case wire.TagJoinComplete:
		return &wire.JoinCompleteMsg{}, nil
	default:
		return nil, fmt.Errorf("loom: unknown body tag %d", tag)
	}
}

// resyncToBoundary reads byte-by-byte until it has seen the boundary
// marker sequence, discarding everything before it.
func resyncToBoundary(r *bufio.Reader) error {
	return resyncToBoundaryFrom(r, nil)
}

// resyncToBoundaryFrom is like resyncToBoundary but seeds the sliding
// window with bytes already read (used when the mismatch is discovered
// only after reading what should have been the boundary itself).
func resyncToBoundaryFrom(r *bufio.Reader, seed []byte) error {
	window := make([]byte, 0, len(wire.BoundaryMarker))
	window = append(window, seed...)
	if len(window) > len(wire.BoundaryMarker) {
		window = window[len(window)-len(wire.BoundaryMarker):]
	}
	for {
		if len(window) == len(wire.BoundaryMarker) {
			match := true
			for i := range window {
				if window[i] != wire.BoundaryMarker[i] {
					match = false
					break
				}
			}
			if match {
				return nil
			}
		}
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if len(window) < len(wire.BoundaryMarker) {
			window = append(window, b)
		} else {
			copy(window, window[1:])
			window[len(window)-1] = b
		}
	}
}
