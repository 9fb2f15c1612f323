package wire

import "encoding/binary"

// Audio datagrams are not covered by §4.A's packet framing (they carry no
// length prefix or discriminant — datagrams are already message-bounded by
// the transport). Grounded on the teacher's client/transport.go
// MarshalDatagram/ParseDatagram (a 2-byte sender id + 2-byte sequence
// number, both big-endian, ahead of the opaque Opus payload). Outbound
// frames the client sends are raw Opus payloads with no header at all —
// the server stamps the sender tag and sequence number on relay — so only
// ParseDatagram is exercised on this side; MarshalDatagram is kept for
// symmetry with the server's copy of this package and has no caller here.

// MarshalDatagram frames one datagram the way the server relays it: a
// sender tag, a sequence number, then the opaque payload.
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
