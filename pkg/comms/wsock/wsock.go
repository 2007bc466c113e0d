package wsock

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/robotical/riclink/pkg/comms"
)

// Transport adapts Socket to the comms.Transport interface. Binary
// messages are protocol frames; text messages are device log lines.
// Unlike the serial transport there is no reader goroutine: the owner
// must call Service periodically (the dispatcher's timer tick does).
type Transport struct {
	logger *zap.Logger

	sock        *Socket
	isOpen      bool
	rxFrameCB   func(frame []byte)
	rxLogLineCB func(line string)
	reconnectCB func()
}

// New creates a WebSocket transport. A nil logger disables logging.
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{logger: logger}
}

func (t *Transport) SetRxFrameCB(cb func(frame []byte))  { t.rxFrameCB = cb }
func (t *Transport) SetRxLogLineCB(cb func(line string)) { t.rxLogLineCB = cb }

// SetReconnectCB registers a callback invoked after an automatic
// reconnect, so the owner can re-subscribe to telemetry.
func (t *Transport) SetReconnectCB(cb func()) { t.reconnectCB = cb }

// TransferParams reports the bulk-transfer tuning for the WiFi link.
func (t *Transport) TransferParams() comms.TransferParams {
	return comms.TransferParams{BlockMaxSize: 5000, BatchAckSize: 1}
}

// Open dials the device and starts the upgrade handshake. The handshake
// completes during subsequent Service calls.
func (t *Transport) Open(params comms.Params) error {
	if t.isOpen {
		return nil
	}
	if params.Hostname == "" {
		return &comms.ConnectionError{Op: "websocket open", Err: errors.New("no hostname given")}
	}
	t.sock = NewSocket(SocketConfig{
		Hostname:        params.Hostname,
		Port:            params.Port,
		WSPath:          params.WSPath,
		ConnectTimeout:  time.Duration(params.TimeoutSecs * float64(time.Second)),
		AutoReconnect:   params.AutoReconnect,
		ReconnectPeriod: time.Duration(params.ReconnectIntervalSec * float64(time.Second)),
		OnBinaryMsg: func(msg []byte) {
			if t.rxFrameCB != nil {
				t.rxFrameCB(msg)
			}
		},
		OnTextMsg: func(msg string) {
			if t.rxLogLineCB != nil {
				t.rxLogLineCB(msg)
			}
		},
		OnReconnect: func() {
			t.logger.Info("websocket reconnected")
			if t.reconnectCB != nil {
				t.reconnectCB()
			}
		},
	}, t.logger)
	if err := t.sock.Open(); err != nil {
		t.sock = nil
		return &comms.ConnectionError{Op: "websocket open", Err: err}
	}
	t.isOpen = true
	return nil
}

// Close releases the connection.
func (t *Transport) Close() error {
	if !t.isOpen {
		return nil
	}
	t.isOpen = false
	return t.sock.Close()
}

// IsOpen reports whether the transport has been opened and not closed.
// The upgrade handshake may still be in flight.
func (t *Transport) IsOpen() bool { return t.isOpen }

// Send writes one protocol frame as a binary WebSocket message.
func (t *Transport) Send(data []byte) error {
	if !t.isOpen {
		return errors.New("websocket not open")
	}
	return t.sock.WriteBinary(data)
}

// Service performs one non-blocking receive pass. Called from the
// dispatcher's timer tick.
func (t *Transport) Service() {
	if t.isOpen {
		t.sock.Service()
	}
}

// HintMsgTimeout is a no-op for the WiFi link; there is nothing to
// renegotiate at this layer.
func (t *Transport) HintMsgTimeout(numTimedOut int) {}
