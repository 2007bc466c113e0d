package serial

// Byte-stuffed framing for the serial wire. A frame is delimited by a
// boundary octet at both ends; boundary/escape octets occurring inside the
// payload are escaped by XORing with escapeXOR and prefixing the escape
// octet. Two octet sets are supported: the default set keeps the specials
// above 0x7F so frames cannot collide with ASCII log traffic, the
// ASCII-variant set uses the classic 0x7E/0x7D pair.
const (
	frameBoundary      = 0xE7
	frameEscape        = 0xD7
	frameBoundaryASCII = 0x7E
	frameEscapeASCII   = 0x7D
	escapeXOR          = 0x20
)

// frameEncoder stuffs and delimits outgoing frames.
type frameEncoder struct {
	boundary byte
	escape   byte
}

func newFrameEncoder(asciiEscapes bool) *frameEncoder {
	if asciiEscapes {
		return &frameEncoder{boundary: frameBoundaryASCII, escape: frameEscapeASCII}
	}
	return &frameEncoder{boundary: frameBoundary, escape: frameEscape}
}

func (e *frameEncoder) encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, e.boundary)
	for _, b := range payload {
		if b == e.boundary || b == e.escape {
			out = append(out, e.escape, b^escapeXOR)
			continue
		}
		out = append(out, b)
	}
	return append(out, e.boundary)
}

// frameDecoder is the incremental inverse of frameEncoder. Bytes may
// arrive in arbitrary chunks; each completed frame is passed to onFrame.
type frameDecoder struct {
	boundary byte
	escape   byte
	onFrame  func(frame []byte)

	inFrame  bool
	escaped  bool
	frameBuf []byte
}

func newFrameDecoder(asciiEscapes bool, onFrame func(frame []byte)) *frameDecoder {
	d := &frameDecoder{boundary: frameBoundary, escape: frameEscape, onFrame: onFrame}
	if asciiEscapes {
		d.boundary = frameBoundaryASCII
		d.escape = frameEscapeASCII
	}
	return d
}

func (d *frameDecoder) feed(data []byte) {
	for _, b := range data {
		switch {
		case b == d.boundary:
			if d.inFrame && len(d.frameBuf) > 0 {
				frame := make([]byte, len(d.frameBuf))
				copy(frame, d.frameBuf)
				d.onFrame(frame)
			}
			// A boundary both closes and opens a frame, so back-to-back
			// frames need no idle gap between them.
			d.inFrame = true
			d.escaped = false
			d.frameBuf = d.frameBuf[:0]
		case !d.inFrame:
			// Noise before the first boundary.
		case b == d.escape:
			d.escaped = true
		case d.escaped:
			d.escaped = false
			d.frameBuf = append(d.frameBuf, b^escapeXOR)
		default:
			d.frameBuf = append(d.frameBuf, b)
		}
	}
}
