// Package rosserial decodes the fixed-layout binary telemetry records the
// device multiplexes inside published ROSSerial messages. All multi-byte
// record fields are big-endian; the stream header lengths are little-endian.
package rosserial

import (
	"encoding/binary"
	"math"
)

// Telemetry topic identifiers.
const (
	TopicSmartServos = 120
	TopicAccel       = 121
	TopicPowerStatus = 122
	TopicAddOns      = 123
	TopicRobotStatus = 124
)

// Stream message framing.
const (
	msgMinLength      = 8
	msgLenLowPos      = 2
	msgLenHighPos     = 3
	msgTopicIDLowPos  = 5
	msgTopicIDHighPos = 6
	msgPayloadPos     = 7

	maxValidPayloadLen = 1000
)

// Record sizes.
const (
	servoGroupBytes         = 6
	AccelBytes              = 14
	PowerStatusBytes        = 13
	RobotStatusBytes        = 24
	RobotStatusBytesMinimal = 2
	addOnGroupBytes         = 12
)

// Decode walks a published payload which may contain several ROSSerial
// messages back to back, invoking cb with each topic id and payload.
// Truncated or oversize trailing data ends the walk without error.
func Decode(buf []byte, startPos int, cb func(topicID int, payload []byte)) {
	msgPos := startPos
	for {
		if len(buf)-msgPos < msgMinLength {
			return
		}
		payloadLen := int(buf[msgPos+msgLenLowPos]) + int(buf[msgPos+msgLenHighPos])*256
		topicID := int(buf[msgPos+msgTopicIDLowPos]) + int(buf[msgPos+msgTopicIDHighPos])*256
		if payloadLen > maxValidPayloadLen {
			return
		}
		if len(buf) < msgPos+msgPayloadPos+payloadLen {
			return
		}
		if cb != nil {
			cb(topicID, buf[msgPos+msgPayloadPos:msgPos+msgPayloadPos+payloadLen])
		}
		// Payload is followed by a single checksum byte.
		msgPos += msgPayloadPos + payloadLen + 1
	}
}

// ServoState is the decoded state of one smart servo.
type ServoState struct {
	IDNo    int
	Pos     int
	Current int
	Flags   uint8
	Enabled bool
	CommsOK bool
	// Name is not on the wire; callers fill it from the hardware
	// element registry.
	Name string
}

// ExtractSmartServos decodes the fixed-stride servo groups in a smart
// servo payload. Trailing bytes short of a whole group are ignored.
func ExtractSmartServos(buf []byte) map[int]ServoState {
	servos := make(map[int]ServoState)
	for pos := 0; pos+servoGroupBytes <= len(buf); pos += servoGroupBytes {
		flags := buf[pos+5]
		servos[int(buf[pos])] = ServoState{
			IDNo:    int(buf[pos]),
			Pos:     int(int16(binary.BigEndian.Uint16(buf[pos+1 : pos+3]))),
			Current: int(int16(binary.BigEndian.Uint16(buf[pos+3 : pos+5]))),
			Flags:   flags,
			Enabled: flags&0x01 != 0,
			CommsOK: flags&0x80 != 0,
		}
	}
	return servos
}

// ExtractAccel decodes an accelerometer payload into x, y, z values in g.
// The raw floats are scaled by 1024 on the wire.
func ExtractAccel(buf []byte) (x, y, z float64) {
	if len(buf) < AccelBytes {
		return 0, 0, 0
	}
	decode := func(b []byte) float64 {
		raw := math.Float32frombits(binary.BigEndian.Uint32(b))
		return math.Round(float64(raw)/1024*100) / 100
	}
	return decode(buf[0:4]), decode(buf[4:8]), decode(buf[8:12])
}

// PowerStatus is the decoded battery and power rail state.
type PowerStatus struct {
	PowerFlags        uint16
	Power5VIsOn       bool
	PowerUSBConnected bool
	BattInfoValid     bool
	PowerUSBIsValid   bool
	IDNo              int
	BattRemainCapPct  int
	BattTempDegC      int
	BattRemainCapMAH  int
	BattFullCapMAH    int
	BattCurrentMA     int
	Power5VOnTimeSecs int
}

// ExtractPowerStatus decodes a power status payload. Battery fields are
// only populated when the flags mark them valid.
func ExtractPowerStatus(buf []byte) PowerStatus {
	if len(buf) < PowerStatusBytes {
		return PowerStatus{}
	}
	flags := binary.BigEndian.Uint16(buf[10:12])
	st := PowerStatus{
		PowerFlags:      flags,
		Power5VIsOn:     flags&0x0002 != 0,
		BattInfoValid:   flags&0x0004 == 0,
		PowerUSBIsValid: flags&0x0008 == 0,
		IDNo:            int(buf[12]),
	}
	st.PowerUSBConnected = flags&0x0001 != 0 && st.PowerUSBIsValid
	if st.BattInfoValid {
		st.BattRemainCapPct = int(buf[0])
		st.BattTempDegC = int(buf[1])
		st.BattRemainCapMAH = int(binary.BigEndian.Uint16(buf[2:4]))
		st.BattFullCapMAH = int(binary.BigEndian.Uint16(buf[4:6]))
		st.BattCurrentMA = int(int16(binary.BigEndian.Uint16(buf[6:8])))
	}
	if st.Power5VIsOn {
		st.Power5VOnTimeSecs = int(binary.BigEndian.Uint16(buf[8:10]))
	}
	return st
}

// RGBT is the decoded state of one indicator LED.
type RGBT struct {
	R, G, B uint8
	State   string
}

var rgbtStates = []string{"off", "on", "breathe", "override"}

// ExtractRGBT decodes a packed indicator word.
func ExtractRGBT(val uint32) RGBT {
	state := "unknown"
	if s := int(val & 0xff); s < len(rgbtStates) {
		state = rgbtStates[s]
	}
	return RGBT{
		R:     uint8(val >> 24),
		G:     uint8(val >> 16),
		B:     uint8(val >> 8),
		State: state,
	}
}

// RobotStatus is the decoded overall robot state.
type RobotStatus struct {
	Flags        uint8
	WorkQCount   int
	IsMoving     bool
	IsPaused     bool
	IsFwUpdating bool
	// Full-layout fields, zero when the minimal layout was received.
	HeapFree  int
	HeapMin   int
	PixRGBT   []RGBT
	LoopMsAvg int
	LoopMsMax int
}

// ExtractRobotStatus decodes a robot status payload. Two layouts exist:
// the 24-byte full record and a 2-byte minimal record selected by payload
// length. The minimal fallback is a forward-compatibility path for older
// firmware and must be kept.
func ExtractRobotStatus(buf []byte) RobotStatus {
	if len(buf) < RobotStatusBytesMinimal {
		return RobotStatus{}
	}
	st := RobotStatus{
		Flags:        buf[0],
		WorkQCount:   int(buf[1]),
		IsMoving:     buf[0]&0x01 != 0,
		IsPaused:     buf[0]&0x02 != 0,
		IsFwUpdating: buf[0]&0x04 != 0,
	}
	if len(buf) < RobotStatusBytes {
		return st
	}
	st.HeapFree = int(binary.BigEndian.Uint32(buf[2:6]))
	st.HeapMin = int(binary.BigEndian.Uint32(buf[6:10]))
	st.PixRGBT = []RGBT{
		ExtractRGBT(binary.BigEndian.Uint32(buf[10:14])),
		ExtractRGBT(binary.BigEndian.Uint32(buf[14:18])),
		ExtractRGBT(binary.BigEndian.Uint32(buf[18:22])),
	}
	st.LoopMsAvg = int(buf[22])
	st.LoopMsMax = int(buf[23])
	return st
}

// AddOnState is the decoded state of one add-on.
type AddOnState struct {
	IDNo  int
	Valid bool
	Data  []byte
	// Name and WhoAmI are not on the wire; callers fill them from
	// the hardware element registry.
	Name   string
	WhoAmI string
}

// ExtractAddOnStatus decodes the fixed-stride add-on groups. Trailing
// bytes short of a whole group are ignored.
func ExtractAddOnStatus(buf []byte) map[int]AddOnState {
	addOns := make(map[int]AddOnState)
	for pos := 0; pos+addOnGroupBytes <= len(buf); pos += addOnGroupBytes {
		addOns[int(buf[pos])] = AddOnState{
			IDNo:  int(buf[pos]),
			Valid: buf[pos+1]&0x80 != 0,
			Data:  buf[pos+2 : pos+addOnGroupBytes],
		}
	}
	return addOns
}

// TopicName returns the short name used for publish rate statistics.
func TopicName(topicID int) string {
	switch topicID {
	case TopicSmartServos:
		return "servos"
	case TopicAccel:
		return "imu"
	case TopicPowerStatus:
		return "power"
	case TopicAddOns:
		return "addons"
	case TopicRobotStatus:
		return "robot"
	}
	return "unknown"
}
