package ric

import (
	"math"
	"sync"
	"time"

	"github.com/robotical/riclink/pkg/ric/codec"
	"github.com/robotical/riclink/pkg/ric/rosserial"
)

const (
	telemetryValidFor    = 3 * time.Second
	powerStatusValidFor  = 5 * time.Second
	publishMonitorWindow = 10
)

// ElemInfo describes one hardware element reported by the device's
// hwstatus command, used to resolve servo and add-on names.
type ElemInfo struct {
	IDNo int    `json:"IDNo"`
	Name string `json:"name"`
	Type string `json:"type"`
	// WhoAmI identifies add-on hardware variants.
	WhoAmI         string `json:"whoAmI"`
	WhoAmITypeCode string `json:"whoAmITypeCode"`
}

type topicEntry struct {
	payload  []byte
	at       time.Time
	validFor time.Duration
}

func (e *topicEntry) freshPayload() []byte {
	if e.at.IsZero() || time.Since(e.at) > e.validFor {
		return nil
	}
	return e.payload
}

// HWState caches the latest telemetry payload per topic with a validity
// window. Readers never block on fresh data: a stale topic reads as its
// zero value. The dispatcher's telemetry path is the single writer.
type HWState struct {
	mu       sync.RWMutex
	servos   topicEntry
	imu      topicEntry
	power    topicEntry
	addons   topicEntry
	robot    topicEntry
	elemInfo map[int]ElemInfo

	monMu   sync.Mutex
	pubRecs map[int]*pubRec
}

type pubRec struct {
	averager *ValueAverager
	lastMsg  time.Time
}

// NewHWState creates an empty telemetry cache.
func NewHWState() *HWState {
	return &HWState{
		servos:  topicEntry{validFor: telemetryValidFor},
		imu:     topicEntry{validFor: telemetryValidFor},
		power:   topicEntry{validFor: powerStatusValidFor},
		addons:  topicEntry{validFor: telemetryValidFor},
		robot:   topicEntry{validFor: telemetryValidFor},
		pubRecs: make(map[int]*pubRec),
	}
}

// UpdateFromMsg feeds one decoded telemetry message into the cache.
// Intended as (part of) the dispatcher's decoded-message callback.
func (h *HWState) UpdateFromMsg(msg *codec.DecodedMsg) {
	if msg.Protocol != codec.ProtocolROSSerial || len(msg.Payload) == 0 {
		return
	}
	rosserial.Decode(msg.Payload, 0, h.Update)
}

// Update stores the latest payload for a telemetry topic.
func (h *HWState) Update(topicID int, payload []byte) {
	now := time.Now()
	h.mu.Lock()
	switch topicID {
	case rosserial.TopicSmartServos:
		h.servos.payload, h.servos.at = payload, now
	case rosserial.TopicAccel:
		if len(payload) >= rosserial.AccelBytes {
			h.imu.payload, h.imu.at = payload, now
		}
	case rosserial.TopicPowerStatus:
		if len(payload) >= rosserial.PowerStatusBytes {
			h.power.payload, h.power.at = payload, now
		}
	case rosserial.TopicAddOns:
		h.addons.payload, h.addons.at = payload, now
	case rosserial.TopicRobotStatus:
		if len(payload) >= rosserial.RobotStatusBytesMinimal {
			h.robot.payload, h.robot.at = payload, now
		}
	}
	h.mu.Unlock()
	h.notePublish(topicID, now)
}

// SetElemInfo installs the hardware element registry obtained from the
// hwstatus command.
func (h *HWState) SetElemInfo(elems []ElemInfo) {
	byID := make(map[int]ElemInfo, len(elems))
	for _, el := range elems {
		byID[el.IDNo] = el
	}
	h.mu.Lock()
	h.elemInfo = byID
	h.mu.Unlock()
}

// ElemInfoByID returns the registry entry for a hardware element.
func (h *HWState) ElemInfoByID(idNo int) (ElemInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	el, ok := h.elemInfo[idNo]
	return el, ok
}

// SmartServos returns the latest servo states keyed by ID, or an empty
// map when the topic is stale. Names are filled from the element
// registry where known.
func (h *HWState) SmartServos() map[int]rosserial.ServoState {
	h.mu.RLock()
	payload := h.servos.freshPayload()
	h.mu.RUnlock()
	if payload == nil {
		return map[int]rosserial.ServoState{}
	}
	servos := rosserial.ExtractSmartServos(payload)
	h.mu.RLock()
	for id, servo := range servos {
		if el, ok := h.elemInfo[id]; ok {
			servo.Name = el.Name
			servos[id] = servo
		}
	}
	h.mu.RUnlock()
	return servos
}

// Accel returns the latest accelerometer reading, or zeros when stale.
func (h *HWState) Accel() (x, y, z float64) {
	h.mu.RLock()
	payload := h.imu.freshPayload()
	h.mu.RUnlock()
	if payload == nil {
		return 0, 0, 0
	}
	return rosserial.ExtractAccel(payload)
}

// PowerStatus returns the latest power status; ok is false when stale.
func (h *HWState) PowerStatus() (rosserial.PowerStatus, bool) {
	h.mu.RLock()
	payload := h.power.freshPayload()
	h.mu.RUnlock()
	if payload == nil {
		return rosserial.PowerStatus{}, false
	}
	return rosserial.ExtractPowerStatus(payload), true
}

// RobotStatus returns the latest robot status; ok is false when stale.
func (h *HWState) RobotStatus() (rosserial.RobotStatus, bool) {
	h.mu.RLock()
	payload := h.robot.freshPayload()
	h.mu.RUnlock()
	if payload == nil {
		return rosserial.RobotStatus{}, false
	}
	return rosserial.ExtractRobotStatus(payload), true
}

// AddOns returns the latest add-on states keyed by ID, or an empty map
// when stale. Names are filled from the element registry where known.
func (h *HWState) AddOns() map[int]rosserial.AddOnState {
	h.mu.RLock()
	payload := h.addons.freshPayload()
	h.mu.RUnlock()
	if payload == nil {
		return map[int]rosserial.AddOnState{}
	}
	addons := rosserial.ExtractAddOnStatus(payload)
	h.mu.RLock()
	for id, addon := range addons {
		if el, ok := h.elemInfo[id]; ok {
			addon.Name = el.Name
			addon.WhoAmI = el.WhoAmI
			addons[id] = addon
		}
	}
	h.mu.RUnlock()
	return addons
}

func (h *HWState) notePublish(topicID int, now time.Time) {
	h.monMu.Lock()
	defer h.monMu.Unlock()
	rec, ok := h.pubRecs[topicID]
	if !ok {
		h.pubRecs[topicID] = &pubRec{averager: NewValueAverager(publishMonitorWindow), lastMsg: now}
		return
	}
	rec.averager.Add(now.Sub(rec.lastMsg).Seconds())
	rec.lastMsg = now
}

// PublishStats returns the average publish rate per topic in messages
// per second, keyed "<topic>PS".
func (h *HWState) PublishStats() map[string]float64 {
	h.monMu.Lock()
	defer h.monMu.Unlock()
	stats := make(map[string]float64, len(h.pubRecs))
	for topicID, rec := range h.pubRecs {
		avgInterval := rec.averager.Avg()
		rate := 0.0
		if avgInterval > 0 {
			rate = math.Round(1/avgInterval*100) / 100
		}
		stats[rosserial.TopicName(topicID)+"PS"] = rate
	}
	return stats
}
