package ric

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/robotical/riclink/pkg/comms"
	"github.com/robotical/riclink/pkg/ric/codec"
)

// fakeTransport records sent frames and lets tests inject device
// traffic. onSend, when set, is invoked synchronously with each frame so
// tests can script device responses.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	frameCB   func(frame []byte)
	logLineCB func(line string)
	onSend    func(frame []byte)
	open      bool
	hints     int
}

func (t *fakeTransport) Open(params comms.Params) error { t.open = true; return nil }
func (t *fakeTransport) Close() error                   { t.open = false; return nil }
func (t *fakeTransport) IsOpen() bool                   { return t.open }

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	frame := append([]byte(nil), data...)
	t.sent = append(t.sent, frame)
	onSend := t.onSend
	t.mu.Unlock()
	if onSend != nil {
		onSend(frame)
	}
	return nil
}

func (t *fakeTransport) SetRxFrameCB(cb func(frame []byte))  { t.frameCB = cb }
func (t *fakeTransport) SetRxLogLineCB(cb func(line string)) { t.logLineCB = cb }
func (t *fakeTransport) TransferParams() comms.TransferParams {
	return comms.TransferParams{BlockMaxSize: 10, BatchAckSize: 1}
}
func (t *fakeTransport) HintMsgTimeout(numTimedOut int) {
	t.mu.Lock()
	t.hints += numTimedOut
	t.mu.Unlock()
}

func (t *fakeTransport) inject(frame []byte) { t.frameCB(frame) }

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

// respFrame builds a numbered JSON response frame.
func respFrame(msgNum uint8, body string) []byte {
	frame := []byte{msgNum, (codec.MsgTypeResponse << 6) | codec.ProtocolRICREST, codec.ElemCodeJSON}
	frame = append(frame, body...)
	return append(frame, 0)
}

// unnumberedFrame builds an unnumbered JSON frame of the given type.
func unnumberedFrame(msgType int, body string) []byte {
	frame := []byte{0, byte(msgType<<6) | codec.ProtocolRICREST, codec.ElemCodeJSON}
	frame = append(frame, body...)
	return append(frame, 0)
}

// sentCmd extracts the JSON command from a sent cmdFrame, unwrapping a
// bridge envelope if present.
func sentCmd(frame []byte) (map[string]any, bool) {
	if len(frame) < 3 {
		return nil, false
	}
	if frame[1]&0x3f == codec.ProtocolBridgeRICREST {
		frame = frame[3:]
		if len(frame) < 3 {
			return nil, false
		}
	}
	if frame[1]&0x3f != codec.ProtocolRICREST || frame[2] != codec.ElemCodeCmdFrame {
		return nil, false
	}
	body := frame[3:]
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// confirmingTransport negotiates link rates like the serial transport.
type confirmingTransport struct {
	fakeTransport
	confirms int
}

func (t *confirmingTransport) BaudRateConfirmed() {
	t.mu.Lock()
	t.confirms++
	t.mu.Unlock()
}

func TestMatchedResponseConfirmsBaudRate(t *testing.T) {
	tr := &confirmingTransport{}
	tr.onSend = func(frame []byte) {
		if frame[2] == codec.ElemCodeURL {
			tr.inject(respFrame(frame[0], `{"rslt":"ok"}`))
		}
	}
	d := NewDispatcher(tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	for i := 0; i < 3; i++ {
		if resp := d.URLSync("v"); !resp.OK() {
			t.Fatalf("rslt=%q, want ok", resp.Rslt)
		}
	}
	tr.mu.Lock()
	confirms := tr.confirms
	tr.mu.Unlock()
	if confirms != 1 {
		t.Fatalf("confirms=%d, want 1 (once on first matched response)", confirms)
	}
}

func TestURLSyncResolvesWaiter(t *testing.T) {
	tr := &fakeTransport{}
	tr.onSend = func(frame []byte) {
		// Respond to the version query with the canonical reply.
		if frame[2] == codec.ElemCodeURL && string(frame[3:4]) == "v" {
			tr.inject(respFrame(frame[0], `{"rslt":"ok","SystemVersion":"1.2.3"}`))
		}
	}
	d := NewDispatcher(tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	resp := d.URLSync("v")
	if !resp.OK() {
		t.Fatalf("rslt=%q, want ok", resp.Rslt)
	}
	if v := resp.Str("SystemVersion", ""); v != "1.2.3" {
		t.Fatalf("SystemVersion=%q, want 1.2.3", v)
	}

	sent := tr.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if sent[0][0] != 1 {
		t.Fatalf("first message number=%d, want 1", sent[0][0])
	}
	if sent[0][1] != (codec.MsgTypeCommand<<6)|codec.ProtocolRICREST {
		t.Fatalf("envelope byte=%#x", sent[0][1])
	}
}

func TestURLSyncTimesOut(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)
	d.SetRespTimeout(50 * time.Millisecond)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	start := time.Now()
	resp := d.URLSync("v")
	if resp.Rslt != "failTimeout" {
		t.Fatalf("rslt=%q, want failTimeout", resp.Rslt)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("waiter blocked far beyond its timeout")
	}
}

func TestFireAndForgetEntryRemovedOnResponse(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.SendURL("traj/stop"); err != nil {
		t.Fatalf("send: %v", err)
	}
	d.mu.Lock()
	pending := len(d.outstanding)
	d.mu.Unlock()
	if pending != 1 {
		t.Fatalf("outstanding=%d, want 1", pending)
	}

	tr.inject(respFrame(tr.sentFrames()[0][0], `{"rslt":"ok"}`))
	d.mu.Lock()
	pending = len(d.outstanding)
	d.mu.Unlock()
	if pending != 0 {
		t.Fatalf("outstanding=%d after response, want 0", pending)
	}
	if stats := d.GetStats(); stats.Matched != 1 {
		t.Fatalf("matched=%d, want 1", stats.Matched)
	}
}

func TestSweepTimesOutEntriesAndHintsTransport(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)
	d.SetRespTimeout(20 * time.Millisecond)
	ticks := 0
	var tickMu sync.Mutex
	d.SetTimerCB(func() {
		tickMu.Lock()
		ticks++
		tickMu.Unlock()
	})
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.SendURL("v"); err != nil {
		t.Fatalf("send: %v", err)
	}
	// The sweep runs once a second; give it two periods.
	time.Sleep(2200 * time.Millisecond)

	d.mu.Lock()
	pending := len(d.outstanding)
	d.mu.Unlock()
	if pending != 0 {
		t.Fatalf("outstanding=%d after sweep, want 0", pending)
	}
	tr.mu.Lock()
	hints := tr.hints
	tr.mu.Unlock()
	if hints != 1 {
		t.Fatalf("hints=%d, want 1", hints)
	}
	tickMu.Lock()
	defer tickMu.Unlock()
	if ticks < 2 {
		t.Fatalf("ticks=%d, want >= 2", ticks)
	}
}

func TestUnmatchedNumberedFrameCounted(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	var gotMsgs []*codec.DecodedMsg
	d.SetDecodedMsgCB(func(msg *codec.DecodedMsg) { gotMsgs = append(gotMsgs, msg) })
	tr.inject(respFrame(42, `{"rslt":"ok"}`))

	if stats := d.GetStats(); stats.Unmatched != 1 {
		t.Fatalf("unmatched=%d, want 1", stats.Unmatched)
	}
	if len(gotMsgs) != 1 {
		t.Fatalf("decoded callback invoked %d times, want 1", len(gotMsgs))
	}
}

func TestAddOnQueryRaw(t *testing.T) {
	tr := &fakeTransport{}
	tr.onSend = func(frame []byte) {
		if frame[2] != codec.ElemCodeURL {
			return
		}
		// Acknowledge the query, then deliver the read data in a report.
		tr.inject(respFrame(frame[0], `{"rslt":"ok"}`))
		tr.inject(unnumberedFrame(codec.MsgTypeReport, `{"msgKey":1,"hexRd":"a1b2"}`))
	}
	d := NewDispatcher(tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	resp, dataRead := d.AddOnQueryRaw("IRFoot", []byte{0x01}, 2)
	if !resp.OK() {
		t.Fatalf("rslt=%q, want ok", resp.Rslt)
	}
	if !bytes.Equal(dataRead, []byte{0xa1, 0xb2}) {
		t.Fatalf("dataRead=% x, want a1 b2", dataRead)
	}

	// The query URL must carry the hex write data and message key.
	url := string(bytes.TrimRight(tr.sentFrames()[0][3:], "\x00"))
	want := "elem/IRFoot/json?cmd=raw&hexWr=01&numToRd=2&msgKey=1"
	if url != want {
		t.Fatalf("url=%q, want %q", url, want)
	}
}

func TestBridgedCmdFrameWrapsEnvelope(t *testing.T) {
	tr := &fakeTransport{}
	tr.onSend = func(frame []byte) {
		if frame[1]&0x3f == codec.ProtocolBridgeRICREST {
			tr.inject(respFrame(frame[0], `{"rslt":"ok"}`))
		}
	}
	d := NewDispatcher(tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	resp := d.CmdFrameSyncBridged(`{"cmdName":"dfStart"}`, 3, 0)
	if !resp.OK() {
		t.Fatalf("rslt=%q, want ok", resp.Rslt)
	}
	sent := tr.sentFrames()[0]
	if sent[1]&0x3f != codec.ProtocolBridgeRICREST || sent[2] != 3 {
		t.Fatalf("frame not bridged: % x", sent[:4])
	}
}

func TestMsgKeyCyclesWithinBounds(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)
	d.rawQueryKey = rawQueryMsgKeyMax
	d.SetRespTimeout(time.Millisecond)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	d.AddOnQueryRaw("x", nil, 0)
	if d.rawQueryKey != 1 {
		t.Fatalf("rawQueryKey=%d after max, want 1", d.rawQueryKey)
	}
}

func TestSubscriberResubscribesWhenQuiet(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	sub := NewSubscriber(d, 10)
	sub.OnTick()
	sent := tr.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1 subscription", len(sent))
	}
	obj, ok := sentCmd(sent[0])
	if !ok || obj["cmdName"] != "subscription" {
		t.Fatalf("frame is not a subscription command: %v", obj)
	}

	// A recent publish suppresses re-subscription.
	sub.NotePublish()
	sub.OnTick()
	if n := len(tr.sentFrames()); n != 1 {
		t.Fatalf("sent %d frames after publish, want still 1", n)
	}

	sub.Stop()
	last := tr.sentFrames()[len(tr.sentFrames())-1]
	obj, ok = sentCmd(last)
	if !ok {
		t.Fatalf("stop did not send a command frame")
	}
	pubRecs := obj["pubRecs"].([]any)
	if rate := pubRecs[0].(map[string]any)["rateHz"].(float64); rate != 0 {
		t.Fatalf("stop rateHz=%v, want 0", rate)
	}
}

func TestResponseIntTolerantOfStrings(t *testing.T) {
	r := Response{Raw: map[string]any{"a": float64(7), "b": "42", "c": "x"}}
	for _, tc := range []struct {
		key  string
		want int
	}{{"a", 7}, {"b", 42}, {"c", -1}, {"missing", -1}} {
		if got := r.Int(tc.key, -1); got != tc.want {
			t.Fatalf("Int(%q)=%d, want %d", tc.key, got, tc.want)
		}
	}
}

func TestDecodeJSONObjectMalformedTreatedEmpty(t *testing.T) {
	obj := decodeJSONObject([]byte(`{"rslt":`), zap.NewNop())
	if len(obj) != 0 {
		t.Fatalf("obj=%v, want empty", obj)
	}
}
