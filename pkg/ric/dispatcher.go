// Package ric is the client core for the robot controller: a message
// dispatcher correlating requests and responses over a comms.Transport,
// bulk transfer engines built on top of it, and a telemetry cache fed by
// the dispatcher's receive path.
package ric

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robotical/riclink/pkg/comms"
	"github.com/robotical/riclink/pkg/ric/codec"
)

const (
	defaultRespTimeout = 1500 * time.Millisecond
	sweepPeriod        = time.Second
	syncPollInterval   = 10 * time.Millisecond
	servicePeriod      = 2 * time.Millisecond
	rawQueryMsgKeyMax  = 99999
)

// Response is the structured result of a request. Rslt is the device's
// result code ("ok" on success); Raw holds the full decoded JSON object
// for fields not modelled explicitly.
type Response struct {
	Rslt string
	Raw  map[string]any
}

// OK reports whether the device acknowledged the request.
func (r Response) OK() bool { return r.Rslt == "ok" }

// Int returns an integer field from the raw object, tolerating the JSON
// number and string encodings the firmware uses interchangeably.
func (r Response) Int(key string, def int) int {
	switch v := r.Raw[key].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// Str returns a string field from the raw object.
func (r Response) Str(key, def string) string {
	if v, ok := r.Raw[key].(string); ok {
		return v
	}
	return def
}

func failResponse(rslt string) Response {
	return Response{Rslt: rslt, Raw: map[string]any{"rslt": rslt}}
}

type outstandingMsg struct {
	timeSent  time.Time
	timeout   time.Duration
	awaited   bool
	respValid bool
	resp      *codec.DecodedMsg
	respTime  time.Time
}

type rawQuery struct {
	timeSent  time.Time
	awaited   bool
	reptValid bool
	reptObj   map[string]any
}

// Stats summarises dispatcher traffic.
type Stats struct {
	RoundTripAvgSecs float64 `json:"roundTripAvgSecs"`
	Matched          int     `json:"matched"`
	Unmatched        int     `json:"unmatched"`
	Unnumbered       int     `json:"unnumbered"`
}

// fileTransferSink receives transfer-control traffic for a file
// send/receive session.
type fileTransferSink interface {
	onOkto(okto int)
	onReason(reason string)
	onDataBlock(filePos int, block []byte)
}

// streamSink receives flow-control traffic for an audio stream session.
type streamSink interface {
	onSokto(sokto int)
	onStreamClosed()
}

// Dispatcher owns the transport, encodes outgoing requests and matches
// responses to waiters by message number. Unsolicited frames are routed
// to the transfer engines and the decoded-message callback.
type Dispatcher struct {
	transport comms.Transport
	logger    *zap.Logger
	enc       *codec.Encoder
	encMu     sync.Mutex

	respTimeout time.Duration

	mu          sync.Mutex
	outstanding map[uint8]*outstandingMsg

	rawMu       sync.Mutex
	rawQueries  map[int]*rawQuery
	rawQueryKey int

	sinkMu   sync.Mutex
	fileSink fileTransferSink
	strmSink streamSink

	decodedMsgCB func(msg *codec.DecodedMsg)
	logLineCB    func(line string)
	timerCB      func()

	roundTrip       *ValueAverager
	statsMu         sync.Mutex
	statsMatched    int
	statsUnmatched  int
	statsUnnumbered int

	rateConfirmOnce sync.Once

	stopCh  chan struct{}
	stopped sync.WaitGroup
	isOpen  bool
}

// NewDispatcher creates a dispatcher over the given transport. A nil
// logger disables logging.
func NewDispatcher(transport comms.Transport, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		transport:   transport,
		logger:      logger,
		enc:         codec.NewEncoder(),
		respTimeout: defaultRespTimeout,
		outstanding: make(map[uint8]*outstandingMsg),
		rawQueries:  make(map[int]*rawQuery),
		rawQueryKey: 1,
		roundTrip:   NewValueAverager(10),
	}
}

// SetRespTimeout overrides the per-request response timeout.
func (d *Dispatcher) SetRespTimeout(t time.Duration) { d.respTimeout = t }

// SetDecodedMsgCB registers a callback invoked with every decoded frame,
// after request matching. Used for telemetry routing.
func (d *Dispatcher) SetDecodedMsgCB(cb func(msg *codec.DecodedMsg)) { d.decodedMsgCB = cb }

// SetLogLineCB registers a callback for device log lines.
func (d *Dispatcher) SetLogLineCB(cb func(line string)) { d.logLineCB = cb }

// SetTimerCB registers a callback invoked from the periodic sweep, used
// by owners to drive telemetry re-subscription.
func (d *Dispatcher) SetTimerCB(cb func()) { d.timerCB = cb }

func (d *Dispatcher) setFileSink(s fileTransferSink) {
	d.sinkMu.Lock()
	d.fileSink = s
	d.sinkMu.Unlock()
}

func (d *Dispatcher) setStreamSink(s streamSink) {
	d.sinkMu.Lock()
	d.strmSink = s
	d.sinkMu.Unlock()
}

// Open wires the receive callbacks into the transport, opens it and
// starts the background sweep. Cooperative transports additionally get
// a service loop goroutine performing their non-blocking receive passes.
func (d *Dispatcher) Open(params comms.Params) error {
	d.transport.SetRxFrameCB(d.onRxFrame)
	d.transport.SetRxLogLineCB(d.onLogLine)
	if err := d.transport.Open(params); err != nil {
		return err
	}
	d.isOpen = true
	d.stopCh = make(chan struct{})
	d.stopped.Add(1)
	go d.sweepLoop()
	if svc, ok := d.transport.(comms.Servicer); ok {
		d.stopped.Add(1)
		go d.serviceLoop(svc)
	}
	return nil
}

// Close stops the background loops and closes the transport.
func (d *Dispatcher) Close() error {
	if !d.isOpen {
		return nil
	}
	d.isOpen = false
	close(d.stopCh)
	d.stopped.Wait()
	return d.transport.Close()
}

// IsOpen reports whether the dispatcher has been opened and not closed.
func (d *Dispatcher) IsOpen() bool { return d.isOpen }

// Transport returns the owned transport.
func (d *Dispatcher) Transport() comms.Transport { return d.transport }

// SendURL sends a REST URL command without waiting for the response.
// The response, when it arrives, is matched and discarded.
func (d *Dispatcher) SendURL(cmd string) error {
	d.encMu.Lock()
	frame, msgNum := d.enc.EncodeURL(cmd)
	d.encMu.Unlock()
	d.register(msgNum, false, d.respTimeout)
	return d.transport.Send(frame)
}

// URLSync sends a REST URL command and waits for its response.
func (d *Dispatcher) URLSync(cmd string) Response {
	d.encMu.Lock()
	frame, msgNum := d.enc.EncodeURL(cmd)
	d.encMu.Unlock()
	return d.sendAndWait(frame, msgNum, d.respTimeout)
}

// URLResultOK sends a REST URL command and reports device acknowledgment.
func (d *Dispatcher) URLResultOK(cmd string) bool {
	return d.URLSync(cmd).OK()
}

// SendCmdFrame sends a command frame without waiting for the response.
func (d *Dispatcher) SendCmdFrame(cmdJSON string) error {
	d.encMu.Lock()
	frame, msgNum := d.enc.EncodeCmdFrame([]byte(cmdJSON), nil)
	d.encMu.Unlock()
	d.register(msgNum, false, d.respTimeout)
	return d.transport.Send(frame)
}

// SendCmdFrameBridged sends a command frame without waiting, wrapped for
// a bridged device when bridgeID >= 0.
func (d *Dispatcher) SendCmdFrameBridged(cmdJSON string, bridgeID int) error {
	d.encMu.Lock()
	frame, msgNum := d.enc.EncodeCmdFrame([]byte(cmdJSON), nil)
	d.encMu.Unlock()
	if bridgeID >= 0 {
		frame = codec.WrapBridged(uint8(bridgeID), frame)
	}
	d.register(msgNum, false, d.respTimeout)
	return d.transport.Send(frame)
}

// CmdFrameSync sends a command frame and waits for its response. A zero
// timeout uses the default response timeout.
func (d *Dispatcher) CmdFrameSync(cmdJSON string, timeout time.Duration) Response {
	return d.CmdFrameSyncBridged(cmdJSON, -1, timeout)
}

// CmdFrameSyncBridged is CmdFrameSync for a bridged device (bridgeID >= 0).
func (d *Dispatcher) CmdFrameSyncBridged(cmdJSON string, bridgeID int, timeout time.Duration) Response {
	if timeout == 0 {
		timeout = d.respTimeout
	}
	d.encMu.Lock()
	frame, msgNum := d.enc.EncodeCmdFrame([]byte(cmdJSON), nil)
	d.encMu.Unlock()
	if bridgeID >= 0 {
		frame = codec.WrapBridged(uint8(bridgeID), frame)
	}
	return d.sendAndWait(frame, msgNum, timeout)
}

// SendFileBlock sends an unnumbered file block frame.
func (d *Dispatcher) SendFileBlock(block []byte) error {
	d.encMu.Lock()
	frame := d.enc.EncodeFileBlock(block)
	d.encMu.Unlock()
	return d.transport.Send(frame)
}

// AddOnQueryRaw writes to and reads from an add-on in raw mode. The
// write acknowledgment comes back as the normal response; the read data
// arrives in a later report frame matched by an embedded message key.
func (d *Dispatcher) AddOnQueryRaw(addOnName string, dataToWrite []byte, numBytesToRead int) (Response, []byte) {
	d.rawMu.Lock()
	msgKey := d.rawQueryKey
	d.rawQueryKey++
	if d.rawQueryKey > rawQueryMsgKeyMax {
		d.rawQueryKey = 1
	}
	d.rawQueries[msgKey] = &rawQuery{timeSent: time.Now(), awaited: true}
	d.rawMu.Unlock()

	cmd := fmt.Sprintf("elem/%s/json?cmd=raw&hexWr=%s&numToRd=%d&msgKey=%d",
		addOnName, hex.EncodeToString(dataToWrite), numBytesToRead, msgKey)
	resp := d.URLSync(cmd)
	if !resp.OK() {
		d.rawMu.Lock()
		delete(d.rawQueries, msgKey)
		d.rawMu.Unlock()
		return resp, nil
	}

	deadline := time.Now().Add(d.respTimeout)
	for time.Now().Before(deadline) {
		d.rawMu.Lock()
		rq, present := d.rawQueries[msgKey]
		if !present {
			d.rawMu.Unlock()
			return failResponse("failReport"), nil
		}
		if rq.reptValid {
			reptObj := rq.reptObj
			delete(d.rawQueries, msgKey)
			d.rawMu.Unlock()
			hexRd, _ := reptObj["hexRd"].(string)
			dataRead, err := hex.DecodeString(hexRd)
			if err != nil {
				d.logger.Debug("raw query report hexRd invalid", zap.String("hexRd", hexRd))
			}
			return resp, dataRead
		}
		d.rawMu.Unlock()
		time.Sleep(syncPollInterval)
	}
	return failResponse(ReasonFailTimeout), nil
}

// GetStats returns traffic statistics.
func (d *Dispatcher) GetStats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return Stats{
		RoundTripAvgSecs: d.roundTrip.Avg(),
		Matched:          d.statsMatched,
		Unmatched:        d.statsUnmatched,
		Unnumbered:       d.statsUnnumbered,
	}
}

func (d *Dispatcher) register(msgNum uint8, awaited bool, timeout time.Duration) {
	d.mu.Lock()
	d.outstanding[msgNum] = &outstandingMsg{timeSent: time.Now(), timeout: timeout, awaited: awaited}
	d.mu.Unlock()
}

// sendAndWait registers the message, sends it and polls the outstanding
// entry until a response arrives or the timeout elapses. The lock is
// re-acquired on each poll iteration, never held across a sleep.
func (d *Dispatcher) sendAndWait(frame []byte, msgNum uint8, timeout time.Duration) Response {
	d.register(msgNum, true, timeout)
	if err := d.transport.Send(frame); err != nil {
		d.mu.Lock()
		delete(d.outstanding, msgNum)
		d.mu.Unlock()
		d.logger.Warn("send failed", zap.Error(err))
		return failResponse("failSend")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		entry, present := d.outstanding[msgNum]
		if !present {
			// Swept or consumed; either way there is nothing to wait on.
			d.mu.Unlock()
			return failResponse("failResponse")
		}
		if entry.respValid {
			resp := entry.resp
			delete(d.outstanding, msgNum)
			d.mu.Unlock()
			return d.decodeJSONResponse(resp)
		}
		d.mu.Unlock()
		time.Sleep(syncPollInterval)
	}
	d.mu.Lock()
	delete(d.outstanding, msgNum)
	d.mu.Unlock()
	return failResponse(ReasonFailTimeout)
}

// decodeJSONResponse parses a response payload as JSON. Malformed JSON
// is logged and treated as an empty object.
func (d *Dispatcher) decodeJSONResponse(msg *codec.DecodedMsg) Response {
	if msg == nil || len(msg.Payload) == 0 {
		return Response{Raw: map[string]any{}}
	}
	obj := decodeJSONObject(msg.Payload, d.logger)
	resp := Response{Raw: obj}
	resp.Rslt, _ = obj["rslt"].(string)
	return resp
}

func decodeJSONObject(payload []byte, logger *zap.Logger) map[string]any {
	obj := map[string]any{}
	trimmed := bytes.TrimRight(payload, "\x00")
	if len(trimmed) == 0 {
		return obj
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		logger.Debug("payload is not JSON", zap.Error(err))
		return map[string]any{}
	}
	return obj
}

// onRxFrame is the single receive path. Numbered frames resolve the
// matching outstanding request; unnumbered frames carry reports and
// transfer-control traffic. Every frame is then forwarded to the
// decoded-message callback for telemetry routing.
func (d *Dispatcher) onRxFrame(frame []byte) {
	msg := codec.Decode(frame)
	if msg.Err != "" {
		d.logger.Debug("undecodable frame dropped",
			zap.String("err", msg.Err), zap.Int("len", len(frame)))
		return
	}
	if msg.MsgNum != 0 {
		d.matchNumbered(msg)
	} else {
		d.routeUnnumbered(msg)
	}
	if d.decodedMsgCB != nil {
		d.decodedMsgCB(msg)
	}
}

func (d *Dispatcher) matchNumbered(msg *codec.DecodedMsg) {
	d.mu.Lock()
	entry, present := d.outstanding[msg.MsgNum]
	if present {
		d.roundTrip.Add(time.Since(entry.timeSent).Seconds())
		if entry.awaited {
			entry.resp = msg
			entry.respValid = true
			entry.respTime = time.Now()
		} else {
			delete(d.outstanding, msg.MsgNum)
		}
	}
	d.mu.Unlock()

	d.statsMu.Lock()
	if present {
		d.statsMatched++
	} else {
		d.statsUnmatched++
	}
	d.statsMu.Unlock()
	if !present {
		d.logger.Debug("unmatched message number", zap.Uint8("msgNum", msg.MsgNum))
		return
	}
	// A matched response proves the link settings good; tell negotiating
	// transports to stop cycling rates.
	d.rateConfirmOnce.Do(func() {
		if rc, ok := d.transport.(comms.RateConfirmer); ok {
			rc.BaudRateConfirmed()
		}
	})
}

func (d *Dispatcher) routeUnnumbered(msg *codec.DecodedMsg) {
	d.statsMu.Lock()
	d.statsUnnumbered++
	d.statsMu.Unlock()

	d.sinkMu.Lock()
	fileSink := d.fileSink
	strmSink := d.strmSink
	d.sinkMu.Unlock()

	// Inbound file blocks (receive transfers) carry their own element code.
	if msg.ElemCode == codec.ElemCodeFileBlock {
		if fileSink != nil && msg.FilePos() >= 0 {
			fileSink.onDataBlock(msg.FilePos(), msg.BlockContents())
		}
		return
	}

	if msg.Protocol != codec.ProtocolRICREST {
		return
	}
	switch msg.MsgType {
	case codec.MsgTypeReport:
		obj := decodeJSONObject(msg.Payload, d.logger)
		if msgKey := responseInt(obj, "msgKey"); msgKey != 0 {
			d.matchRawQuery(msgKey, obj)
		}
		d.routeTransferControl(obj, fileSink, strmSink)
	case codec.MsgTypeResponse:
		obj := decodeJSONObject(msg.Payload, d.logger)
		d.routeTransferControl(obj, fileSink, strmSink)
	}
}

// routeTransferControl inspects a decoded JSON object for flow-control
// fields and forwards them to the active transfer engine.
func (d *Dispatcher) routeTransferControl(obj map[string]any, fileSink fileTransferSink, strmSink streamSink) {
	if v, ok := obj["sokto"]; ok {
		if strmSink != nil {
			strmSink.onSokto(anyToInt(v))
		}
		return
	}
	if v, ok := obj["okto"]; ok {
		if fileSink != nil {
			fileSink.onOkto(anyToInt(v))
		}
	}
	if reason, ok := obj["reason"].(string); ok && reason != "" {
		if fileSink != nil {
			fileSink.onReason(reason)
		}
		if strmSink != nil && isTransferFailReason(reason) {
			strmSink.onStreamClosed()
		}
	}
	if cmdName, _ := obj["cmdName"].(string); cmdName == "ufCancel" && strmSink != nil {
		strmSink.onStreamClosed()
	}
}

func (d *Dispatcher) matchRawQuery(msgKey int, reptObj map[string]any) {
	d.rawMu.Lock()
	rq, present := d.rawQueries[msgKey]
	if present {
		if rq.awaited {
			rq.reptObj = reptObj
			rq.reptValid = true
		} else {
			delete(d.rawQueries, msgKey)
		}
	}
	d.rawMu.Unlock()
	if !present {
		d.logger.Debug("unmatched raw query key", zap.Int("msgKey", msgKey))
	}
}

func (d *Dispatcher) onLogLine(line string) {
	if d.logLineCB != nil {
		d.logLineCB(line)
	}
}

// sweepLoop drops expired entries from the outstanding and raw-query
// tables, hints the transport about unanswered requests (driving baud
// negotiation) and fires the owner's timer callback.
func (d *Dispatcher) sweepLoop() {
	defer d.stopped.Done()
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		numTimedOut := 0
		d.mu.Lock()
		for msgNum, entry := range d.outstanding {
			if time.Since(entry.timeSent) <= entry.timeout {
				continue
			}
			if !entry.respValid {
				numTimedOut++
				d.logger.Debug("request timed out", zap.Uint8("msgNum", msgNum))
			}
			delete(d.outstanding, msgNum)
		}
		d.mu.Unlock()

		d.rawMu.Lock()
		for msgKey, rq := range d.rawQueries {
			if time.Since(rq.timeSent) <= d.respTimeout {
				continue
			}
			if !rq.reptValid {
				d.logger.Debug("raw query timed out", zap.Int("msgKey", msgKey))
			}
			delete(d.rawQueries, msgKey)
		}
		d.rawMu.Unlock()

		if numTimedOut > 0 {
			d.transport.HintMsgTimeout(numTimedOut)
		}
		if d.timerCB != nil {
			d.timerCB()
		}
	}
}

// serviceLoop drives cooperative transports: each pass is one
// non-blocking receive.
func (d *Dispatcher) serviceLoop(svc comms.Servicer) {
	defer d.stopped.Done()
	ticker := time.NewTicker(servicePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			svc.Service()
		}
	}
}

func responseInt(obj map[string]any, key string) int {
	v, ok := obj[key]
	if !ok {
		return 0
	}
	return anyToInt(v)
}

func anyToInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i
		}
	}
	return 0
}
