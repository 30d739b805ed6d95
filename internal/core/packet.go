package core

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Packet control type_ids. These are wire-visible and must match on
// both ends of a connection. User-defined type_ids must avoid this
// range.
const (
	TypeHandshakeRequest      uint32 = 1
	TypeInitHandshake         uint32 = 2
	TypeInitPartialHandshake  uint32 = 3
	TypeEndPartialHandshake   uint32 = 4
	TypeCancelHandshake       uint32 = 5
	TypeDisconnectNotify      uint32 = 6
	TypeConnectionIDExchange  uint32 = 7
)

// Packet is the plaintext envelope carried inside a Frame.
type Packet struct {
	TypeID uint32
	Data   []byte
}

// ErrTruncatedPacket is returned by Deserialize when fewer bytes are
// present than the header declares.
var ErrTruncatedPacket = errors.New("core: truncated packet")

// Serialize produces the canonical binary form: a 4-byte big-endian
// type_id followed by a 4-byte big-endian length and that many data
// bytes. Trailing bytes beyond data are never written by this package,
// but Deserialize tolerates and ignores them.
func (p Packet) Serialize() []byte {
	buf := make([]byte, 8+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], p.TypeID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(p.Data)))
	copy(buf[8:], p.Data)
	return buf
}

// Deserialize parses a Packet from its canonical binary form. Bytes
// after the declared data length are ignored rather than rejected, so
// that future fields can be appended without breaking older readers.
func Deserialize(raw []byte) (*Packet, error) {
	if len(raw) < 8 {
		return nil, ErrTruncatedPacket
	}
	typeID := binary.BigEndian.Uint32(raw[0:4])
	dataLen := binary.BigEndian.Uint32(raw[4:8])
	if uint64(len(raw)-8) < uint64(dataLen) {
		return nil, ErrTruncatedPacket
	}
	data := make([]byte, dataLen)
	copy(data, raw[8:8+dataLen])
	return &Packet{TypeID: typeID, Data: data}, nil
}

// Equal reports whether two packets carry bit-identical type_id and
// data, used by round-trip tests.
func (p Packet) Equal(other Packet) bool {
	return p.TypeID == other.TypeID && bytes.Equal(p.Data, other.Data)
}
