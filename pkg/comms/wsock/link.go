// Package wsock implements the WiFi transport: a hand-rolled WebSocket
// client split into a pure framing layer and a polled socket layer that
// owns the TCP connection, upgrade handshake and reconnect logic.
package wsock

import (
	"crypto/rand"
	"encoding/binary"
)

const (
	opcodeCont   = 0x00
	opcodeText   = 0x01
	opcodeBinary = 0x02
	opcodeClose  = 0x08
	opcodePing   = 0x09
	opcodePong   = 0x0a

	// Frames declaring a longer payload are treated as stream
	// desynchronization and the input buffer is discarded.
	maxFrameSize = 200000
)

// LinkStats counts frames seen by the link layer.
type LinkStats struct {
	Pings  int
	Pongs  int
	Text   int
	Binary int
}

// Link is the I/O-free WebSocket framing layer. Bytes are fed in
// arbitrary chunks; completed messages are queued for the caller.
// Partial frames stay buffered until more bytes arrive.
type Link struct {
	in           []byte
	pongRequired bool
	pongData     []byte
	closeSeen    bool
	textMsgs     []string
	binaryMsgs   [][]byte
	curText      []byte
	curBinary    []byte
	curOpcode    byte
	stats        LinkStats
}

// AddData buffers incoming bytes and extracts every complete frame.
func (l *Link) AddData(data []byte) {
	l.in = append(l.in, data...)
	for l.extractFrame() {
	}
}

// PongRequired reports whether a ping was received since the last call,
// clearing the flag.
func (l *Link) PongRequired() bool {
	req := l.pongRequired
	l.pongRequired = false
	return req
}

// PongData returns the payload of the most recent ping, to be echoed in
// the pong.
func (l *Link) PongData() []byte { return l.pongData }

// CloseSeen reports whether a close frame has been received.
func (l *Link) CloseSeen() bool { return l.closeSeen }

// NextBinaryMsg dequeues a completed binary message.
func (l *Link) NextBinaryMsg() ([]byte, bool) {
	if len(l.binaryMsgs) == 0 {
		return nil, false
	}
	msg := l.binaryMsgs[0]
	l.binaryMsgs = l.binaryMsgs[1:]
	return msg, true
}

// NextTextMsg dequeues a completed text message.
func (l *Link) NextTextMsg() (string, bool) {
	if len(l.textMsgs) == 0 {
		return "", false
	}
	msg := l.textMsgs[0]
	l.textMsgs = l.textMsgs[1:]
	return msg, true
}

// Stats returns frame counts since the link was created.
func (l *Link) Stats() LinkStats { return l.stats }

// Clear discards buffered input and partial reassembly state, used when
// the underlying socket is reopened.
func (l *Link) Clear() {
	l.in = nil
	l.curText = nil
	l.curBinary = nil
	l.curOpcode = 0
}

// extractFrame consumes one complete frame from the buffer, returning
// false when no complete frame is available yet.
func (l *Link) extractFrame() bool {
	ok, fin, opcode, masked, frameLen, pos := l.parseHeader()
	if !ok {
		return false
	}
	if frameLen > maxFrameSize {
		// Almost certainly garbage; resync by dropping everything.
		l.in = l.in[:0]
		return false
	}
	var maskKey []byte
	if masked {
		if len(l.in) < pos+4 {
			return false
		}
		maskKey = l.in[pos : pos+4]
		pos += 4
	}
	if len(l.in) < pos+frameLen {
		return false
	}
	payload := make([]byte, frameLen)
	copy(payload, l.in[pos:pos+frameLen])
	if masked {
		applyMask(payload, maskKey)
	}
	l.in = l.in[pos+frameLen:]

	switch opcode {
	case opcodePing:
		l.pongRequired = true
		l.pongData = payload
		l.stats.Pings++
		return true
	case opcodePong:
		l.stats.Pongs++
		return true
	case opcodeClose:
		l.closeSeen = true
		return true
	case opcodeBinary:
		l.curBinary = append(l.curBinary, payload...)
		l.curOpcode = opcodeBinary
	case opcodeText:
		l.curText = append(l.curText, payload...)
		l.curOpcode = opcodeText
	case opcodeCont:
		if l.curOpcode == opcodeText {
			l.curText = append(l.curText, payload...)
		} else {
			l.curBinary = append(l.curBinary, payload...)
		}
	}

	if fin {
		if l.curOpcode == opcodeText {
			l.textMsgs = append(l.textMsgs, string(l.curText))
			l.stats.Text++
		} else {
			msg := make([]byte, len(l.curBinary))
			copy(msg, l.curBinary)
			l.binaryMsgs = append(l.binaryMsgs, msg)
			l.stats.Binary++
		}
		l.curText = nil
		l.curBinary = nil
		l.curOpcode = 0
	}
	return true
}

// parseHeader reads the 2/4/10-byte header variants without consuming.
func (l *Link) parseHeader() (ok, fin bool, opcode byte, masked bool, frameLen, pos int) {
	if len(l.in) < 2 {
		return false, false, 0, false, 0, 0
	}
	fin = l.in[0]&0x80 != 0
	opcode = l.in[0] & 0x0f
	masked = l.in[1]&0x80 != 0
	frameLen = int(l.in[1] & 0x7f)
	pos = 2
	switch frameLen {
	case 126:
		if len(l.in) < 4 {
			return false, false, 0, false, 0, 0
		}
		frameLen = int(binary.BigEndian.Uint16(l.in[2:4]))
		pos = 4
	case 127:
		if len(l.in) < 10 {
			return false, false, 0, false, 0, 0
		}
		len64 := binary.BigEndian.Uint64(l.in[2:10])
		if len64 > maxFrameSize {
			// Would overflow int; clamp so the oversize discard fires.
			frameLen = maxFrameSize + 1
		} else {
			frameLen = int(len64)
		}
		pos = 10
	}
	return true, fin, opcode, masked, frameLen, pos
}

// EncodeFrame builds a single unfragmented frame. Client frames are
// masked per RFC 6455 so standards-enforcing servers accept them.
func EncodeFrame(payload []byte, opcode byte, useMask bool) []byte {
	head1 := byte(0x80) | opcode
	var head2 byte
	if useMask {
		head2 = 0x80
	}
	out := make([]byte, 0, len(payload)+14)
	switch {
	case len(payload) < 126:
		out = append(out, head1, head2|byte(len(payload)))
	case len(payload) < 65536:
		out = append(out, head1, head2|126)
		out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	default:
		out = append(out, head1, head2|127)
		out = binary.BigEndian.AppendUint64(out, uint64(len(payload)))
	}
	if !useMask {
		return append(out, payload...)
	}
	var maskKey [4]byte
	rand.Read(maskKey[:])
	out = append(out, maskKey[:]...)
	masked := make([]byte, len(payload))
	copy(masked, payload)
	applyMask(masked, maskKey[:])
	return append(out, masked...)
}

func applyMask(data, key []byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}
