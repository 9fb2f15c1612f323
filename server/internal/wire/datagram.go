package wire

import "encoding/binary"

// Audio datagrams are not covered by §4.A's packet framing (they carry no
// length prefix or discriminant — datagrams are already message-bounded by
// the transport). Grounded on the teacher's client/transport.go
// MarshalDatagram/ParseDatagram (a 2-byte sender id + 2-byte sequence
// number, both big-endian, ahead of the opaque Opus payload), adapted from
// a server-assigned sequential index to SenderTag's deterministic
// derivation from the 256-bit UserId so relaying requires no extra
// per-session slot-assignment state.

// MarshalDatagram frames one outbound audio datagram.
func MarshalDatagram(senderTag, seq uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], senderTag)
	binary.BigEndian.PutUint16(out[2:4], seq)
	copy(out[4:], payload)
	return out
}

// ParseDatagram extracts the sender tag, sequence number, and payload from
// a received audio datagram. ok is false if raw is shorter than the header.
func ParseDatagram(raw []byte) (senderTag, seq uint16, payload []byte, ok bool) {
	if len(raw) < 4 {
		return 0, 0, nil, false
	}
	senderTag = binary.BigEndian.Uint16(raw[0:2])
	seq = binary.BigEndian.Uint16(raw[2:4])
	payload = raw[4:]
	return senderTag, seq, payload, true
}

// SenderTag derives the compact datagram sender identifier from a full
// UserId: its low 16 bits. Two users can in principle collide on the same
// tag; since the tag only buckets jitter-buffer/decoder state per sender
// and never gates authorization, a collision costs at worst a mixed-up
// decoder reset, not a security or correctness violation.
func SenderTag(userID [32]byte) uint16 {
	return binary.BigEndian.Uint16(userID[30:32])
}
