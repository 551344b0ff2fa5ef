package camstream

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Packet types seen on the wire.
const (
	TypeMedia        byte = 0x00 // MPEG-TS payload
	TypeKeepalive    byte = 0x0A
	TypeLatencyStats byte = 0x12
)

// Frames are a 9-byte header (type, 4-byte sequence, 4-byte big-endian
// payload length) followed by the payload.
const (
	headerLen  = 9
	maxPayload = 1 << 20
)

// mpegTSSync is the first byte of every transport stream packet; media
// frames not starting with it are discarded upstream of the remuxer.
const mpegTSSync = 0x47

// ReadPacket reads one frame. Returns the type byte and payload.
func ReadPacket(r io.Reader) (byte, []byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	msgType := header[0]
	payloadLen := binary.BigEndian.Uint32(header[5:9])
	if payloadLen == 0 {
		return msgType, nil, nil
	}
	if payloadLen > maxPayload {
		return 0, nil, fmt.Errorf("stream frame too large: %d bytes", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// IsMediaPayload reports whether a media frame actually carries MPEG-TS.
func IsMediaPayload(msgType byte, payload []byte) bool {
	return msgType == TypeMedia && len(payload) > 0 && payload[0] == mpegTSSync
}

// WriteKeepalive sends the empty keepalive frame. Sent every 10s while a
// session is up; the server drops quiet clients.
func (c *Conn) WriteKeepalive(seq uint32) error {
	var pkt [headerLen]byte
	pkt[0] = TypeKeepalive
	binary.BigEndian.PutUint32(pkt[1:5], seq)
	return c.writeAll(pkt[:])
}

// WriteLatencyStats sends the 24-byte zeroed stats frame. The server
// expects one per second; real clients report playback latency here.
func (c *Conn) WriteLatencyStats() error {
	pkt := make([]byte, headerLen+24)
	pkt[0] = TypeLatencyStats
	binary.BigEndian.PutUint32(pkt[1:5], 1000)
	binary.BigEndian.PutUint32(pkt[5:9], 24)
	return c.writeAll(pkt)
}

// ReadPacket reads the next frame off the connection.
func (c *Conn) ReadPacket() (byte, []byte, error) {
	return ReadPacket(c.c)
}
