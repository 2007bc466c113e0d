package ric

import (
	"fmt"
	"sync"
	"time"
)

const maxTimeBetweenPubs = 10 * time.Second

// Subscriber keeps telemetry publication alive: hooked into the
// dispatcher's timer callback, it re-sends the subscription command
// whenever no publish frame has been seen for a while (covering device
// restarts and WebSocket reconnects).
type Subscriber struct {
	d *Dispatcher

	mu          sync.Mutex
	rateHz      float64
	lastPubSeen time.Time
	enabled     bool
}

// NewSubscriber creates a subscription helper requesting telemetry at
// rateHz. Wire OnTick into the dispatcher timer callback and NotePublish
// into the telemetry receive path.
func NewSubscriber(d *Dispatcher, rateHz float64) *Subscriber {
	return &Subscriber{d: d, rateHz: rateHz, enabled: rateHz != 0}
}

// NotePublish records that a publish frame arrived.
func (s *Subscriber) NotePublish() {
	s.mu.Lock()
	s.lastPubSeen = time.Now()
	s.mu.Unlock()
}

// OnTick re-subscribes when publication appears to have stopped.
func (s *Subscriber) OnTick() {
	s.mu.Lock()
	due := s.enabled && (s.lastPubSeen.IsZero() || time.Since(s.lastPubSeen) > maxTimeBetweenPubs)
	if due {
		s.lastPubSeen = time.Now()
	}
	s.mu.Unlock()
	if due {
		s.d.SendCmdFrame(s.subscriptionCmd(s.rateHz))
	}
}

// Resubscribe re-sends the subscription command immediately. Used after
// a transport reconnect, when the device has lost its subscriptions.
func (s *Subscriber) Resubscribe() {
	s.mu.Lock()
	enabled := s.enabled
	s.lastPubSeen = time.Now()
	s.mu.Unlock()
	if enabled {
		s.d.SendCmdFrame(s.subscriptionCmd(s.rateHz))
	}
}

// Stop cancels the device-side subscriptions.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	s.d.SendCmdFrame(s.subscriptionCmd(0))
}

func (s *Subscriber) subscriptionCmd(rateHz float64) string {
	return fmt.Sprintf(`{"cmdName":"subscription","action":"update","pubRecs":[`+
		`{"name":"MultiStatus","rateHz":%g},`+
		`{"name":"PowerStatus","rateHz":%g},`+
		`{"name":"AddOnStatus","rateHz":%g}]}`,
		rateHz, min(rateHz, 1.0), rateHz)
}
