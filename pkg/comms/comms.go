// Package comms defines the byte-stream transport abstraction shared by
// the serial and WebSocket links, plus the parameters used to open them.
package comms

import "fmt"

// Params holds the options used to open a transport. Fields irrelevant
// to the chosen transport are ignored.
type Params struct {
	// Serial options.
	SerialPort string // auto-detected when empty
	SerialBaud int
	IfType     string // "plain" or "overascii"
	// ASCIIEscapes switches the deframer boundary/escape octets to
	// ASCII-safe values.
	ASCIIEscapes bool

	// WebSocket options.
	Hostname string
	Port     int
	WSPath   string
	// TimeoutSecs of 0 selects non-blocking/polling receive.
	TimeoutSecs          float64
	AutoReconnect        bool
	ReconnectIntervalSec float64
}

// TransferParams are the transport's preferred bulk-transfer tuning,
// offered to the device during the start handshake.
type TransferParams struct {
	BlockMaxSize int
	BatchAckSize int
}

// Transport is a byte-stream link to the device. Implementations deliver
// complete deframed protocol frames via the frame callback and, where the
// wire is shared with human-readable logging, log lines via the log-line
// callback.
type Transport interface {
	Open(params Params) error
	Close() error
	IsOpen() bool
	// Send frames and writes one protocol frame.
	Send(data []byte) error
	SetRxFrameCB(cb func(frame []byte))
	SetRxLogLineCB(cb func(line string))
	TransferParams() TransferParams
	// HintMsgTimeout tells the transport that numTimedOut requests have
	// expired unanswered, letting it renegotiate link settings such as
	// the baud rate.
	HintMsgTimeout(numTimedOut int)
}

// Servicer is implemented by transports that are driven cooperatively:
// Service performs one non-blocking receive-and-process pass.
type Servicer interface {
	Service()
}

// RateConfirmer is implemented by transports that negotiate link rates;
// the dispatcher calls it when a matched response proves the current
// rate good, ending negotiation.
type RateConfirmer interface {
	BaudRateConfirmed()
}

// Reconnectable is implemented by transports that reopen dropped
// connections; the callback fires after each successful reconnect.
type Reconnectable interface {
	SetReconnectCB(cb func())
}

// ConnectionError reports a failure to open a transport or complete its
// handshake. It is fatal to the session.
type ConnectionError struct {
	Op           string
	Alternatives []string
	Err          error
}

func (e *ConnectionError) Error() string {
	if len(e.Alternatives) > 0 {
		return fmt.Sprintf("%s: %v (candidate ports: %v)", e.Op, e.Err, e.Alternatives)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
