// Package wire implements the fixed-layout Pegasus header: parsing a frame
// without copying the key, and rewriting the handful of fields the load
// balancer touches on the data path while keeping the enclosing transport
// checksum correct.
package wire

import (
	"encoding/binary"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
)

// OpType is the Pegasus header's operation tag.
type OpType uint8

const (
	Read OpType = iota + 1
	Write
	Del
	MgrReq
	MgrAck
	Reply
	Reset
	ResetReply
)

func (t OpType) String() string {
	switch t {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Del:
		return "DEL"
	case MgrReq:
		return "MGR_REQ"
	case MgrAck:
		return "MGR_ACK"
	case Reply:
		return "REPLY"
	case Reset:
		return "RESET"
	case ResetReply:
		return "RESET_REPLY"
	default:
		return "UNKNOWN"
	}
}

func (t OpType) valid() bool {
	return t >= Read && t <= ResetReply
}

// Header field byte offsets, per the Pegasus wire layout.
const (
	offOpType   = 0
	offKeyHash  = 1
	offClientID = 5
	offServerID = 6
	offLoad     = 7
	offVer      = 9
	offKeyLen   = 13

	// HeaderSize is the size of the fixed-layout part of the header, before
	// the variable-length key.
	HeaderSize = 15

	MaxKeyLen = 255
)

// ErrMalformed is returned by Parse when the frame is too short for its
// declared key_len, or its op_type is not one of the known Pegasus codes.
var ErrMalformed = errors.New("MALFORMED")

// Header is a view over a frame buffer: Key borrows the frame's backing
// array and is only valid as long as the frame is not reused.
type Header struct {
	OpType   OpType
	KeyHash  uint32
	ClientID uint8
	ServerID uint8
	Load     uint16
	Ver      uint32
	Key      []byte
}

// Ack values are packed into the Load field position of RESET_REPLY frames,
// which carry no key and no otherwise-meaningful load.
type Ack uint16

const (
	AckOK  Ack = 0
	AckErr Ack = 1
)

// Parse reads a Header view over frame without copying the key bytes.
// It fails with ErrMalformed if frame is shorter than HeaderSize+key_len or
// op_type is not a recognized Pegasus code; non-Pegasus traffic is expected
// to fail here so the caller can forward it unmodified.
func Parse(frame []byte) (Header, error) {
	var h Header
	if len(frame) < HeaderSize {
		return h, stackerr.Wrap(ErrMalformed)
	}
	op := OpType(frame[offOpType])
	if !op.valid() {
		return h, stackerr.Wrap(ErrMalformed)
	}
	keyLen := int(binary.BigEndian.Uint16(frame[offKeyLen:]))
	if keyLen > MaxKeyLen || len(frame) < HeaderSize+keyLen {
		return h, stackerr.Wrap(ErrMalformed)
	}
	h.OpType = op
	h.KeyHash = binary.BigEndian.Uint32(frame[offKeyHash:])
	h.ClientID = frame[offClientID]
	h.ServerID = frame[offServerID]
	h.Load = binary.BigEndian.Uint16(frame[offLoad:])
	h.Ver = binary.BigEndian.Uint32(frame[offVer:])
	if keyLen > 0 {
		h.Key = frame[HeaderSize : HeaderSize+keyLen]
	}
	return h, nil
}

// Encode writes h into frame (which must have capacity for
// HeaderSize+len(h.Key)) and returns the number of bytes written.
func Encode(frame []byte, h Header) int {
	frame[offOpType] = byte(h.OpType)
	binary.BigEndian.PutUint32(frame[offKeyHash:], h.KeyHash)
	frame[offClientID] = h.ClientID
	frame[offServerID] = h.ServerID
	binary.BigEndian.PutUint16(frame[offLoad:], h.Load)
	binary.BigEndian.PutUint32(frame[offVer:], h.Ver)
	binary.BigEndian.PutUint16(frame[offKeyLen:], uint16(len(h.Key)))
	n := HeaderSize
	if len(h.Key) > 0 {
		n += copy(frame[HeaderSize:], h.Key)
	}
	return n
}

// Delta is the set of header fields the data path ever rewrites in place.
// A nil field is left untouched.
type Delta struct {
	ServerID *uint8
	Ver      *uint32
	Load     *uint16
}

// rewriteSpan is the smallest word-aligned byte range covering ServerID,
// Load and Ver: offsets [6,14), i.e. four 16-bit words. Ver ends at byte
// 12, so the span takes in the key_len byte at 13 to end on a word boundary.
const (
	rewriteSpanStart = offServerID
	rewriteSpanEnd   = offKeyLen + 1 // exclusive, even
)

// Rewrite applies delta to frame's header fields in place and returns the
// transport checksum recomputed incrementally from the old and new bytes of
// the affected words, per RFC 1624. frame must already have been
// successfully Parse'd (i.e. be at least HeaderSize long).
func Rewrite(frame []byte, checksum uint16, delta Delta) uint16 {
	old := make([]byte, rewriteSpanEnd-rewriteSpanStart)
	copy(old, frame[rewriteSpanStart:rewriteSpanEnd])

	if delta.ServerID != nil {
		frame[offServerID] = *delta.ServerID
	}
	if delta.Load != nil {
		binary.BigEndian.PutUint16(frame[offLoad:], *delta.Load)
	}
	if delta.Ver != nil {
		binary.BigEndian.PutUint32(frame[offVer:], *delta.Ver)
	}

	return adjustChecksum(checksum, old, frame[rewriteSpanStart:rewriteSpanEnd])
}
