package ric

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/robotical/riclink/pkg/comms"
	"github.com/robotical/riclink/pkg/ric/codec"
)

func fastStreamTunables(s *Stream) {
	s.minMsgDelay = time.Millisecond
	s.lastByteIdle = 30 * time.Millisecond
	s.durationCeiling = 2 * time.Second
}

// streamBlock is a decoded outbound stream block.
type streamBlock struct {
	streamID int
	pos      int
	data     []byte
}

func parseStreamBlock(frame []byte) (streamBlock, bool) {
	if len(frame) < 7 || frame[2] != codec.ElemCodeFileBlock {
		return streamBlock{}, false
	}
	return streamBlock{
		streamID: int(frame[3]),
		pos:      int(frame[4])<<16 | int(frame[5])<<8 | int(frame[6]),
		data:     frame[7:],
	}, true
}

// streamDevice answers the stream handshakes and acknowledges blocks
// with sokto positions.
type streamDevice struct {
	tr        *fakeTransport
	streamID  int
	blockSize int
	ackBlocks bool
	blocks    []streamBlock
}

func newStreamDevice(blockSize int, ackBlocks bool) *streamDevice {
	sd := &streamDevice{streamID: 3, blockSize: blockSize, ackBlocks: ackBlocks}
	sd.tr = &fakeTransport{}
	sd.tr.onSend = sd.onSend
	return sd
}

func (sd *streamDevice) onSend(frame []byte) {
	if blk, ok := parseStreamBlock(frame); ok {
		sd.blocks = append(sd.blocks, blk)
		if sd.ackBlocks {
			sd.tr.inject(unnumberedFrame(codec.MsgTypeResponse,
				fmt.Sprintf(`{"sokto":%d}`, blk.pos+len(blk.data))))
		}
		return
	}
	if obj, ok := sentCmd(frame); ok {
		switch obj["cmdName"] {
		case "ufStart":
			sd.tr.inject(respFrame(frame[0], fmt.Sprintf(
				`{"rslt":"ok","streamID":%d,"maxBlkSize":%d}`, sd.streamID, sd.blockSize)))
		case "ufEnd", "ufCancel":
			sd.tr.inject(respFrame(frame[0], `{"rslt":"ok"}`))
		}
	}
}

func newStreamUnderTest(t *testing.T, sd *streamDevice) (*Dispatcher, *Stream) {
	t.Helper()
	d := NewDispatcher(sd.tr, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	s := NewStream(d, nil)
	fastStreamTunables(s)
	return d, s
}

func TestStreamAudioCompletesOnFinalSokto(t *testing.T) {
	sd := newStreamDevice(8, true)
	_, s := newStreamUnderTest(t, sd)

	data := bytes.Repeat([]byte{0x5a, 0xa5}, 10) // 20 bytes -> blocks of 8, 8, 4
	if err := s.StreamAudio(data, "speech.pcm", StreamOpts{Endpoint: "audioout"}); err != nil {
		t.Fatalf("stream: %v", err)
	}

	// Blocks must carry the negotiated stream ID and cover the data
	// contiguously.
	var rebuilt []byte
	for _, blk := range sd.blocks {
		if blk.streamID != sd.streamID {
			t.Fatalf("block streamID=%d, want %d", blk.streamID, sd.streamID)
		}
		if blk.pos != len(rebuilt) {
			t.Fatalf("block at %d, want %d", blk.pos, len(rebuilt))
		}
		rebuilt = append(rebuilt, blk.data...)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Fatalf("rebuilt %d bytes, want %d", len(rebuilt), len(data))
	}

	// The session must finish with ufEnd carrying the stream ID as the
	// string the firmware expects.
	sent := sd.tr.sentFrames()
	obj, ok := sentCmd(sent[len(sent)-1])
	if !ok || obj["cmdName"] != "ufEnd" || obj["streamId"] != "3" {
		t.Fatalf("last frame=%v, want ufEnd streamId \"3\"", obj)
	}
}

func TestStreamAudioStartCarriesEndpoint(t *testing.T) {
	sd := newStreamDevice(8, true)
	_, s := newStreamUnderTest(t, sd)

	if err := s.StreamAudio([]byte{1, 2, 3}, "beep.pcm", StreamOpts{Endpoint: "audioout"}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	obj, ok := sentCmd(sd.tr.sentFrames()[0])
	if !ok || obj["cmdName"] != "ufStart" {
		t.Fatalf("first frame is not ufStart: %v", obj)
	}
	if obj["fileType"] != "rtstream" || obj["endpoint"] != "audioout" {
		t.Fatalf("ufStart=%v, want rtstream to audioout", obj)
	}
	if obj["fileLen"].(float64) != 3 {
		t.Fatalf("fileLen=%v, want 3", obj["fileLen"])
	}
}

func TestStreamAudioStopsWhenDeviceClosesStream(t *testing.T) {
	sd := newStreamDevice(8, false)
	prev := sd.tr.onSend
	sd.tr.onSend = func(frame []byte) {
		prev(frame)
		if _, ok := parseStreamBlock(frame); ok {
			// A failure reason closes the stream on the device side.
			sd.tr.inject(unnumberedFrame(codec.MsgTypeResponse, `{"reason":"failTimeout"}`))
		}
	}
	_, s := newStreamUnderTest(t, sd)

	if err := s.StreamAudio(bytes.Repeat([]byte{9}, 100), "x.pcm", StreamOpts{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(sd.blocks) != 1 {
		t.Fatalf("blocks sent=%d, want 1 before closure", len(sd.blocks))
	}
}

func TestStreamAudioProgressAbortSendsCancel(t *testing.T) {
	sd := newStreamDevice(8, true)
	_, s := newStreamUnderTest(t, sd)

	calls := 0
	err := s.StreamAudio(bytes.Repeat([]byte{7}, 100), "x.pcm", StreamOpts{
		Progress: func(done, total int) bool {
			calls++
			return calls < 3
		},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	cancelSeen := false
	for _, frame := range sd.tr.sentFrames() {
		if obj, ok := sentCmd(frame); ok && obj["cmdName"] == "ufCancel" {
			cancelSeen = true
			if obj["streamId"] != "3" {
				t.Fatalf("ufCancel streamId=%v, want \"3\"", obj["streamId"])
			}
		}
	}
	if !cancelSeen {
		t.Fatalf("abort did not send ufCancel")
	}
}

func TestStreamAudioEndsAfterIdleWithoutAcks(t *testing.T) {
	sd := newStreamDevice(8, false) // device never acknowledges
	_, s := newStreamUnderTest(t, sd)

	start := time.Now()
	if err := s.StreamAudio(bytes.Repeat([]byte{4}, 20), "x.pcm", StreamOpts{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	// All data is pushed optimistically; with no acknowledgments the
	// session ends on the idle timeout, well before the duration ceiling.
	if elapsed := time.Since(start); elapsed >= s.durationCeiling {
		t.Fatalf("stream ran %v, want idle cutoff before %v", elapsed, s.durationCeiling)
	}
	if len(sd.blocks) != 3 {
		t.Fatalf("blocks sent=%d, want 3", len(sd.blocks))
	}
}

func TestStreamAudioRejectedStart(t *testing.T) {
	sd := newStreamDevice(8, true)
	prev := sd.tr.onSend
	sd.tr.onSend = func(frame []byte) {
		if obj, ok := sentCmd(frame); ok && obj["cmdName"] == "ufStart" {
			sd.tr.inject(respFrame(frame[0], `{"rslt":"fail"}`))
			return
		}
		prev(frame)
	}
	_, s := newStreamUnderTest(t, sd)

	err := s.StreamAudio([]byte{1}, "x.pcm", StreamOpts{})
	if err == nil {
		t.Fatalf("stream succeeded, want ufStart rejection")
	}
	if len(sd.blocks) != 0 {
		t.Fatalf("blocks sent after rejected start: %d", len(sd.blocks))
	}
}

func TestStreamAudioMissingStreamID(t *testing.T) {
	sd := newStreamDevice(8, true)
	prev := sd.tr.onSend
	sd.tr.onSend = func(frame []byte) {
		if obj, ok := sentCmd(frame); ok && obj["cmdName"] == "ufStart" {
			sd.tr.inject(respFrame(frame[0], `{"rslt":"ok"}`))
			return
		}
		prev(frame)
	}
	_, s := newStreamUnderTest(t, sd)

	if err := s.StreamAudio([]byte{1}, "x.pcm", StreamOpts{}); err == nil {
		t.Fatalf("stream succeeded without a stream ID")
	}
}
