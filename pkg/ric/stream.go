package ric

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	streamDefaultBlockSize = 1024
	// soktoWindowSize positions are used to estimate achievable
	// throughput and pace the send rate.
	soktoWindowSize    = 5
	streamMinMsgDelay  = 50 * time.Millisecond
	streamMaxMsgDelay  = time.Second
	streamLastByteIdle = 2 * time.Second
	streamInitialDelay = 50 * time.Millisecond
)

type soktoSample struct {
	pos int
	at  time.Time
}

// StreamOpts configures an audio stream.
type StreamOpts struct {
	// Endpoint is the device-side sink the stream is routed to.
	Endpoint string
	Progress ProgressFn
}

// Stream pushes encoded audio to the device, pacing itself from the
// spacing of the device's sokto acknowledgments rather than a fixed
// batch size.
type Stream struct {
	d      *Dispatcher
	logger *zap.Logger

	mu           sync.Mutex
	newSokto     bool
	soktoPos     int
	streamClosed bool

	// Tunables, overridable in tests.
	minMsgDelay  time.Duration
	maxMsgDelay  time.Duration
	lastByteIdle time.Duration
	// durationCeiling overrides the duration derived from the stream
	// length when non-zero.
	durationCeiling time.Duration
}

// NewStream creates a streaming engine bound to the dispatcher. One
// stream may run at a time.
func NewStream(d *Dispatcher, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stream{
		d:            d,
		logger:       logger,
		minMsgDelay:  streamMinMsgDelay,
		maxMsgDelay:  streamMaxMsgDelay,
		lastByteIdle: streamLastByteIdle,
	}
	d.setStreamSink(s)
	return s
}

// StreamAudio pushes data (already encoded for the device) to the given
// endpoint, returning when the device has acknowledged the whole stream
// or the stream terminates early.
func (s *Stream) StreamAudio(data []byte, name string, opts StreamOpts) error {
	s.mu.Lock()
	s.newSokto = false
	s.soktoPos = 0
	s.streamClosed = false
	s.mu.Unlock()

	// Assume roughly 10 kbit/s encoded audio plus a 50% margin when
	// bounding the stream's total duration.
	maxDuration := s.durationCeiling
	if maxDuration == 0 {
		maxDuration = time.Duration(float64(len(data)) / 1024 * 1.5 * float64(time.Second))
	}

	xferID := uuid.NewString()
	startReq := fmt.Sprintf(`{"cmdName":"ufStart","reqStr":"ufStart","fileType":"rtstream",`+
		`"fileName":"%s","endpoint":"%s","fileLen":%d}`, name, opts.Endpoint, len(data))
	resp := s.d.CmdFrameSync(startReq, 0)
	if !resp.OK() {
		return handshakeError("ufStart", resp)
	}
	streamID := resp.Int("streamID", -1)
	maxBlockSize := resp.Int("maxBlkSize", streamDefaultBlockSize)
	if streamID < 0 {
		return &TransferError{Stage: "ufStart", Reason: "stream id invalid"}
	}
	s.logger.Info("audio stream starting",
		zap.String("xferID", xferID),
		zap.Int("streamID", streamID),
		zap.Int("streamLen", len(data)),
		zap.Int("maxBlkSize", maxBlockSize))

	var (
		filePos       int
		soktoWindow   []soktoSample
		lastSoktoPos  int
		msgDelay      = streamInitialDelay
		lastMsgSent   bool
		lastMsgSentAt time.Time
	)
	streamStart := time.Now()
	for time.Since(streamStart) < maxDuration {
		// Pace to the estimated throughput, never starving the link.
		if msgDelay < 250*time.Millisecond {
			time.Sleep(s.minMsgDelay)
		} else {
			time.Sleep(msgDelay - 150*time.Millisecond)
		}

		s.mu.Lock()
		isNewSokto := s.newSokto
		soktoPos := s.soktoPos
		closed := s.streamClosed
		s.newSokto = false
		s.mu.Unlock()
		if closed {
			break
		}
		if isNewSokto {
			if soktoPos >= len(data) {
				break
			}
			lastMsgSent = false
			filePos = soktoPos
			if lastSoktoPos != filePos {
				soktoWindow = append(soktoWindow, soktoSample{pos: filePos, at: time.Now()})
				lastSoktoPos = filePos
				if len(soktoWindow) > soktoWindowSize {
					soktoWindow = soktoWindow[1:]
				}
				if len(soktoWindow) > 1 {
					first, last := soktoWindow[0], soktoWindow[len(soktoWindow)-1]
					elapsed := last.at.Sub(first.at).Seconds()
					if bytesAcked := last.pos - first.pos; bytesAcked > 0 && elapsed > 0 {
						dataRate := float64(bytesAcked) / elapsed
						msgDelay = time.Duration(float64(maxBlockSize) / dataRate * float64(time.Second))
						if msgDelay > s.maxMsgDelay {
							msgDelay = s.maxMsgDelay
						}
					}
				}
			}
		}

		if opts.Progress != nil && !opts.Progress(filePos, len(data)) {
			s.d.CmdFrameSync(fmt.Sprintf(`{"cmdName":"ufCancel","streamId":"%d"}`, streamID), 0)
			break
		}

		blockEnd := filePos + maxBlockSize
		if blockEnd > len(data) {
			blockEnd = len(data)
		}
		if blockEnd > filePos {
			block := make([]byte, 4, 4+blockEnd-filePos)
			block[0] = uint8(streamID)
			block[1] = uint8(filePos >> 16)
			block[2] = uint8(filePos >> 8)
			block[3] = uint8(filePos)
			block = append(block, data[filePos:blockEnd]...)
			if err := s.d.SendFileBlock(block); err != nil {
				break
			}
			filePos = blockEnd
		} else {
			if !lastMsgSent {
				lastMsgSent = true
				lastMsgSentAt = time.Now()
			}
		}

		// Nothing left to send and no acknowledgment progress.
		if lastMsgSent && time.Since(lastMsgSentAt) > s.lastByteIdle {
			break
		}
	}

	resp = s.d.CmdFrameSync(fmt.Sprintf(
		`{"cmdName":"ufEnd","reqStr":"ufEnd","streamId":"%d"}`, streamID), 0)
	if !resp.OK() {
		return handshakeError("ufEnd", resp)
	}
	s.logger.Info("audio stream complete",
		zap.String("xferID", xferID), zap.Int("streamID", streamID))
	return nil
}

// onSokto records a stream acknowledgment position.
func (s *Stream) onSokto(sokto int) {
	s.mu.Lock()
	s.soktoPos = sokto
	s.newSokto = true
	s.mu.Unlock()
}

// onStreamClosed marks the device-side stream as closed.
func (s *Stream) onStreamClosed() {
	s.mu.Lock()
	s.streamClosed = true
	s.mu.Unlock()
}
