package serial

// Over-ASCII encoding lets protocol frames share a UART with plain-text
// log lines: every encoded protocol byte has the high bit set, so the
// receiver can split the stream on bit 7 alone. Payload bytes 0x00..0x7F
// are normally sent as the byte with bit 7 set. Two escape codes cover
// the cases that cannot be sent directly: escLow for the low bytes whose
// bit-7-set form would collide with an escape code, escHigh for bytes
// 0x80..0xFF (where setting bit 7 is a no-op). The byte after an escape
// carries the low seven bits of the original; escHigh restores bit 7.
const (
	overASCIIEscLow  = 0x85
	overASCIIEscHigh = 0x86
	overASCIIMask    = 0x80
)

func overASCIIEncode(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch {
		case b < overASCIIMask && (b|overASCIIMask == overASCIIEscLow || b|overASCIIMask == overASCIIEscHigh):
			out = append(out, overASCIIEscLow, b|overASCIIMask)
		case b >= overASCIIMask:
			out = append(out, overASCIIEscHigh, b)
		default:
			out = append(out, b|overASCIIMask)
		}
	}
	return out
}

// overASCIIDecoder is the stateful inverse of overASCIIEncode. Protocol
// bytes may arrive in arbitrary chunks, so decoding must survive being
// fed one byte at a time. Non-protocol bytes (bit 7 clear) must be
// filtered out by the caller.
type overASCIIDecoder struct {
	escape byte // pending escape code, 0 when none
}

// decode appends the decoded form of the protocol bytes in data to dst
// and returns the extended slice.
func (d *overASCIIDecoder) decode(dst, data []byte) []byte {
	for _, b := range data {
		switch {
		case d.escape == overASCIIEscLow:
			d.escape = 0
			dst = append(dst, b&^overASCIIMask)
		case d.escape == overASCIIEscHigh:
			d.escape = 0
			dst = append(dst, b)
		case b == overASCIIEscLow || b == overASCIIEscHigh:
			d.escape = b
		default:
			dst = append(dst, b&^overASCIIMask)
		}
	}
	return dst
}
