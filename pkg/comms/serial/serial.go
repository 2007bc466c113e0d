// Package serial implements the UART transport: byte-stuffed framing,
// optional over-ASCII encoding so the wire can carry log lines alongside
// protocol frames, port auto-detection and baud-rate negotiation.
package serial

import (
	"errors"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/robotical/riclink/pkg/comms"
)

const (
	// Substrings matched against the USB device description when
	// auto-detecting the controller's serial port.
	portDescrCP210     = "CP210"
	portDescrUSBSerial = "USB Serial"

	rxIdleSleep  = time.Millisecond
	rxBufferSize = 4096
)

// baudRateAlternates are cycled through when the upper layers report
// repeated response timeouts and the working rate is still unknown.
var baudRateAlternates = []int{115200, 2000000}

// Transport is the serial implementation of comms.Transport.
type Transport struct {
	logger *zap.Logger

	mu         sync.Mutex
	port       goserial.Port
	portName   string
	isOpen     bool
	overASCII  bool
	writeErrs  int
	curBaud    int
	baudOK     bool
	timedOut   int
	timeoutCap int

	encoder *frameEncoder

	rxFrameCB   func(frame []byte)
	rxLogLineCB func(line string)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a serial transport. A nil logger disables logging.
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{logger: logger, timeoutCap: 1}
}

// SetRxFrameCB registers the callback invoked with each complete
// deframed protocol frame. Must be set before Open.
func (t *Transport) SetRxFrameCB(cb func(frame []byte)) { t.rxFrameCB = cb }

// SetRxLogLineCB registers the callback invoked with each newline
// terminated log line received in over-ASCII mode.
func (t *Transport) SetRxLogLineCB(cb func(line string)) { t.rxLogLineCB = cb }

// TransferParams reports the bulk-transfer tuning for the serial wire.
func (t *Transport) TransferParams() comms.TransferParams {
	return comms.TransferParams{BlockMaxSize: 5000, BatchAckSize: 1}
}

// DetectPorts returns the names of serial ports whose USB description
// looks like the robot controller's UART bridge.
func DetectPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var found []string
	for _, p := range ports {
		if strings.Contains(p.Product, portDescrCP210) || strings.Contains(p.Product, portDescrUSBSerial) {
			found = append(found, p.Name)
		}
	}
	return found, nil
}

// Open opens the serial port (auto-detecting one if params.SerialPort is
// empty) and starts the background reader loop.
func (t *Transport) Open(params comms.Params) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isOpen {
		return nil
	}

	portName := params.SerialPort
	candidates, err := DetectPorts()
	if err != nil {
		t.logger.Warn("serial port enumeration failed", zap.Error(err))
	}
	if portName == "" {
		if len(candidates) == 0 {
			return &comms.ConnectionError{Op: "serial open", Err: errors.New("no port given and no devices detected")}
		}
		if len(candidates) > 1 {
			t.logger.Warn("multiple devices detected, using first",
				zap.Strings("ports", candidates))
		}
		portName = candidates[0]
	}

	baud := params.SerialBaud
	if baud == 0 {
		baud = baudRateAlternates[0]
	}
	port, err := goserial.Open(portName, &goserial.Mode{BaudRate: baud})
	if err != nil {
		return &comms.ConnectionError{Op: "serial open", Alternatives: candidates, Err: err}
	}
	if err := port.SetReadTimeout(rxIdleSleep); err != nil {
		port.Close()
		return &comms.ConnectionError{Op: "serial open", Err: err}
	}

	t.port = port
	t.portName = portName
	t.curBaud = baud
	t.baudOK = false
	t.timedOut = 0
	t.timeoutCap = 1
	t.overASCII = params.IfType == "overascii"
	t.encoder = newFrameEncoder(params.ASCIIEscapes)
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.isOpen = true

	go t.rxLoop(params.ASCIIEscapes)

	t.logger.Info("serial port open",
		zap.String("port", portName),
		zap.Int("baud", baud),
		zap.Bool("overAscii", t.overASCII))
	return nil
}

// Close stops the reader loop, waits for it to exit, then releases the
// device. The order matters: the loop must not touch a closed handle.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.isOpen {
		t.mu.Unlock()
		return nil
	}
	t.isOpen = false
	close(t.stopCh)
	done := t.doneCh
	port := t.port
	t.port = nil
	t.mu.Unlock()

	<-done
	return port.Close()
}

// IsOpen reports whether the port is open.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isOpen
}

// Send frames data (plus over-ASCII encoding when configured) and writes
// it to the port. Write failures are counted rather than returned since
// the device may recover.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isOpen || t.port == nil {
		return errors.New("serial port not open")
	}
	framed := t.encoder.encode(data)
	if t.overASCII {
		framed = overASCIIEncode(framed)
	}
	if _, err := t.port.Write(framed); err != nil {
		t.writeErrs++
		t.logger.Warn("serial write failed",
			zap.Int("writeErrors", t.writeErrs),
			zap.Error(err))
	}
	return nil
}

// WriteErrorCount returns the number of writes that failed since Open.
func (t *Transport) WriteErrorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeErrs
}

// HintMsgTimeout is called by the dispatcher when requests time out
// unanswered. Until a response proves the baud rate correct, enough
// accumulated timeouts trigger a switch to the next candidate rate, with
// the tolerated count doubling after each switch.
func (t *Transport) HintMsgTimeout(numTimedOut int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baudOK || !t.isOpen {
		return
	}
	t.timedOut += numTimedOut
	if t.timedOut < t.timeoutCap {
		return
	}
	t.timedOut = 0
	t.timeoutCap *= 2
	t.curBaud = nextBaudRate(t.curBaud)
	if err := t.port.SetMode(&goserial.Mode{BaudRate: t.curBaud}); err != nil {
		t.logger.Warn("baud rate change failed", zap.Int("baud", t.curBaud), zap.Error(err))
		return
	}
	t.logger.Info("comms failing, changing baud rate", zap.Int("baud", t.curBaud))
}

// BaudRateConfirmed marks the current baud rate as working, stopping
// further negotiation. Called by the owner on the first valid response.
func (t *Transport) BaudRateConfirmed() {
	t.mu.Lock()
	t.baudOK = true
	t.mu.Unlock()
}

func nextBaudRate(cur int) int {
	for i, b := range baudRateAlternates {
		if b == cur {
			return baudRateAlternates[(i+1)%len(baudRateAlternates)]
		}
	}
	return baudRateAlternates[0]
}

// rxLoop reads the port until Close. In over-ASCII mode bytes below 128
// accumulate into newline-terminated log lines while bytes 128 and above
// pass through the over-ASCII decoder into the deframer.
func (t *Transport) rxLoop(asciiEscapes bool) {
	defer close(t.doneCh)

	deframer := newFrameDecoder(asciiEscapes, func(frame []byte) {
		if t.rxFrameCB != nil {
			t.rxFrameCB(frame)
		}
	})
	var oaDecoder overASCIIDecoder
	var logLine []byte
	buf := make([]byte, rxBufferSize)
	protoBytes := make([]byte, 0, rxBufferSize)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.mu.Lock()
		port := t.port
		t.mu.Unlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-t.stopCh:
			default:
				t.logger.Warn("serial read failed", zap.Error(err))
			}
			return
		}
		if n == 0 {
			// Read timeout with nothing pending.
			time.Sleep(rxIdleSleep)
			continue
		}

		if !t.overASCII {
			deframer.feed(buf[:n])
			continue
		}
		protoBytes = protoBytes[:0]
		for _, b := range buf[:n] {
			if b >= 0x80 {
				protoBytes = oaDecoder.decode(protoBytes, []byte{b})
				continue
			}
			if b == '\n' {
				if t.rxLogLineCB != nil {
					t.rxLogLineCB(string(logLine))
				}
				logLine = logLine[:0]
				continue
			}
			logLine = append(logLine, b)
		}
		deframer.feed(protoBytes)
	}
}
