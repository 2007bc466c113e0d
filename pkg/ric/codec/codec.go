package codec

import (
	"bytes"
	"encoding/binary"
)

// Protocol identifiers carried in the low six bits of the envelope's
// second byte.
const (
	// ProtocolROSSerial carries multiplexed binary telemetry records.
	ProtocolROSSerial = 0x00
	// ProtocolM1SC is the legacy binary command protocol.
	ProtocolM1SC = 0x01
	// ProtocolRICREST carries REST-style commands and responses.
	ProtocolRICREST = 0x02
	// ProtocolBridgeRICREST wraps a RICREST frame destined for a bridged
	// secondary device.
	ProtocolBridgeRICREST = 0x03
)

// Message type codes carried in the top two bits of the envelope's
// second byte.
const (
	MsgTypeCommand  = 0x00
	MsgTypeResponse = 0x01
	MsgTypePublish  = 0x02
	MsgTypeReport   = 0x03
)

// RICREST element codes.
const (
	ElemCodeURL       = 0x00
	ElemCodeJSON      = 0x01
	ElemCodeBody      = 0x02
	ElemCodeCmdFrame  = 0x03
	ElemCodeFileBlock = 0x04
)

const envelopeHeaderLen = 3

var msgTypeNames = []string{"cmd", "resp", "publish", "report"}
var elemCodeNames = []string{"url", "json", "body", "cmd", "fileBlk"}

// MsgTypeName returns a short printable name for a message type code.
func MsgTypeName(msgType int) string {
	if msgType >= 0 && msgType < len(msgTypeNames) {
		return msgTypeNames[msgType]
	}
	return "unknown"
}

// ElemCodeName returns a short printable name for a RICREST element code.
func ElemCodeName(elemCode int) string {
	if elemCode >= 0 && elemCode < len(elemCodeNames) {
		return elemCodeNames[elemCode]
	}
	return "unknown"
}

// Encoder builds outgoing RICREST frames. It owns the cyclic message
// number counter, so one Encoder must be shared by everything sending on
// a single connection. Encoder is not safe for concurrent use; callers
// serialise sends.
type Encoder struct {
	nextMsgNum uint8
}

// NewEncoder returns an Encoder whose first numbered frame uses message
// number 1. Message number 0 is reserved for unnumbered sends.
func NewEncoder() *Encoder {
	return &Encoder{nextMsgNum: 1}
}

func (e *Encoder) takeMsgNum() uint8 {
	num := e.nextMsgNum
	e.nextMsgNum++
	if e.nextMsgNum == 0 {
		e.nextMsgNum = 1
	}
	return num
}

// EncodeURL builds a numbered RICREST URL command frame. The command
// string is NUL-terminated on the wire.
func (e *Encoder) EncodeURL(cmd string) ([]byte, uint8) {
	msgNum := e.takeMsgNum()
	frame := make([]byte, 0, envelopeHeaderLen+len(cmd)+1)
	frame = append(frame, msgNum, (MsgTypeCommand<<6)|ProtocolRICREST, ElemCodeURL)
	frame = append(frame, cmd...)
	frame = append(frame, 0)
	return frame, msgNum
}

// EncodeCmdFrame builds a numbered RICREST command frame. The command
// (normally a JSON object) is NUL-terminated and any binary payload
// follows the terminator.
func (e *Encoder) EncodeCmdFrame(cmd []byte, payload []byte) ([]byte, uint8) {
	msgNum := e.takeMsgNum()
	frame := make([]byte, 0, envelopeHeaderLen+len(cmd)+1+len(payload))
	frame = append(frame, msgNum, (MsgTypeCommand<<6)|ProtocolRICREST, ElemCodeCmdFrame)
	frame = append(frame, cmd...)
	if len(cmd) == 0 || cmd[len(cmd)-1] != 0 {
		frame = append(frame, 0)
	}
	frame = append(frame, payload...)
	return frame, msgNum
}

// EncodeFileBlock builds an unnumbered file block frame (message
// number 0 - never matched against outstanding requests).
func (e *Encoder) EncodeFileBlock(block []byte) []byte {
	frame := make([]byte, 0, envelopeHeaderLen+len(block))
	frame = append(frame, 0, (MsgTypeCommand<<6)|ProtocolRICREST, ElemCodeFileBlock)
	frame = append(frame, block...)
	return frame
}

// WrapBridged wraps an already-encoded frame for delivery to a bridged
// secondary device. The wrapper reuses the inner frame's message number
// so responses still correlate.
func WrapBridged(bridgeID uint8, inner []byte) []byte {
	var msgNum uint8
	if len(inner) > 0 {
		msgNum = inner[0]
	}
	frame := make([]byte, 0, envelopeHeaderLen+len(inner))
	frame = append(frame, msgNum, (MsgTypeCommand<<6)|ProtocolBridgeRICREST, bridgeID)
	frame = append(frame, inner...)
	return frame
}

// DecodedMsg is one message decoded from the device. Decoding never
// fails hard: malformed frames yield a DecodedMsg with Err set.
type DecodedMsg struct {
	Err      string
	MsgNum   uint8
	Protocol int
	MsgType  int
	ElemCode int
	// IsText reports whether Payload had trailing NULs stripped
	// (URL/JSON element codes).
	IsText   bool
	Payload  []byte
	BridgeID int // -1 unless the frame arrived via a bridge
}

// Decode parses a raw envelope frame.
func Decode(frame []byte) *DecodedMsg {
	msg := &DecodedMsg{ElemCode: -1, BridgeID: -1}
	decodeInto(msg, frame)
	return msg
}

func decodeInto(msg *DecodedMsg, frame []byte) {
	if len(frame) < 2 {
		msg.Err = "frame too short"
		return
	}
	msg.MsgNum = frame[0]
	msg.Protocol = int(frame[1] & 0x3f)
	msg.MsgType = int(frame[1] >> 6)
	switch msg.Protocol {
	case ProtocolRICREST:
		if len(frame) < envelopeHeaderLen {
			msg.Err = "frame missing element code"
			return
		}
		msg.ElemCode = int(frame[2])
		payload := frame[envelopeHeaderLen:]
		if msg.ElemCode == ElemCodeURL || msg.ElemCode == ElemCodeJSON {
			msg.IsText = true
			msg.Payload = bytes.TrimRight(payload, "\x00")
		} else {
			msg.Payload = payload
		}
	case ProtocolBridgeRICREST:
		if len(frame) < envelopeHeaderLen {
			msg.Err = "bridged frame missing bridge id"
			return
		}
		msg.BridgeID = int(frame[2])
		decodeInto(msg, frame[envelopeHeaderLen:])
	case ProtocolROSSerial:
		msg.Payload = frame[2:]
	default:
		msg.Err = "unknown protocol"
	}
}

// FilePos returns the big-endian byte position prefixed to a file block
// payload, or -1 when the message is not a file block or is too short.
func (m *DecodedMsg) FilePos() int {
	if m.ElemCode != ElemCodeFileBlock || len(m.Payload) < 4 {
		return -1
	}
	return int(binary.BigEndian.Uint32(m.Payload[:4]))
}

// BlockContents returns the data bytes of a file block payload
// (everything after the position prefix).
func (m *DecodedMsg) BlockContents() []byte {
	if m.ElemCode != ElemCodeFileBlock || len(m.Payload) < 4 {
		return nil
	}
	return m.Payload[4:]
}
