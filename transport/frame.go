package transport

import (
	"encoding/binary"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
)

// CommandID is the single byte that opens every frame header (spec.md §6).
type CommandID byte

const (
	ReceiveChunk      CommandID = 0
	SendChunk         CommandID = 1
	FlushPeerSessions CommandID = 2
)

// Size limits from spec.md §4.C4.
const (
	MaxHeaderSize  = 64 * 1024
	MaxPayloadSize = 1 << 20
)

// headerFixedSize is 1 (command) + 16*3 (chunk/source/target ids) + 16
// (reserved block).
const headerFixedSize = 1 + 16*3 + 16

// Header is the fixed-layout frame header: a command byte followed by
// three 16-byte UUIDs and a reserved block (spec.md §6).
type Header struct {
	Command  CommandID
	ChunkID  ids.ID
	Source   ids.ID
	Target   ids.ID
	Reserved [16]byte
}

// Encode renders h into its wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, headerFixedSize)
	buf[0] = byte(h.Command)
	h.ChunkID.PutTo(buf[1:17])
	h.Source.PutTo(buf[17:33])
	h.Target.PutTo(buf[33:49])
	copy(buf[49:65], h.Reserved[:])
	return buf
}

// DecodeHeader parses a wire-form header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerFixedSize {
		return Header{}, errs.New(errs.CodeProtocolValidationFailed, "transport: header too short (%d < %d)", len(buf), headerFixedSize)
	}
	var h Header
	h.Command = CommandID(buf[0])
	chunk, _ := ids.FromBytes(buf[1:17])
	src, _ := ids.FromBytes(buf[17:33])
	dst, _ := ids.FromBytes(buf[33:49])
	h.ChunkID, h.Source, h.Target = chunk, src, dst
	copy(h.Reserved[:], buf[49:65])
	return h, nil
}

// Frame is a fully decoded wire frame: header plus payload bytes (the JSON
// broker envelope, or empty for a heartbeat).
type Frame struct {
	Header  Header
	Payload []byte
}

// IsHeartbeat reports whether f is a heartbeat notification: ReceiveChunk
// with a nil chunk id, by convention (spec.md §3 invariant 6 / §4.C3).
func (f Frame) IsHeartbeat() bool {
	return f.Header.Command == ReceiveChunk && f.Header.ChunkID.IsNil() && len(f.Payload) == 0
}

// putUint32 / getUint32 are the u32_be length-prefix helpers spec.md §6
// mandates for frame lengths.
func putUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func getUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
