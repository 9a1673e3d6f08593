/*
Copyright 2025 BYTEDz

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hub implements the session hub: the fan-out point delivering
// event envelopes to device and operator websocket subscribers and the
// authoritative presence signal for connected devices.
package hub

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
)

// EventType discriminates envelope payloads.
type EventType string

const (
	EventPairingRequest     EventType = "pairing_request"
	EventNotification       EventType = "notification"
	EventServerStatus       EventType = "server_status"
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventTransferUpdate     EventType = "transfer_update"
	EventLog                EventType = "log"
)

// Envelope is the unit of websocket fan-out. Envelopes are ordered per
// subscriber and never persisted.
type Envelope struct {
	Type       EventType   `json:"type"`
	Payload    interface{} `json:"payload"`
	ServerTime time.Time   `json:"server_time"`
}

// Class selects a subscriber population.
type Class int

const (
	// Devices are paired mobile clients.
	Devices Class = iota
	// Operators are browser UI sessions.
	Operators
)

// CloseReason explains why the hub dropped a subscriber.
type CloseReason string

const (
	// CloseSlowConsumer means the subscriber's outbound buffer overflowed.
	CloseSlowConsumer CloseReason = "slow_consumer"
	// CloseShutdown means the hub itself is closing.
	CloseShutdown CloseReason = "shutdown"
)

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pclink_hub_events_published_total",
		Help: "Number of envelopes published per event type.",
	}, []string{"type"})
	subscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pclink_hub_slow_consumers_dropped_total",
		Help: "Number of subscribers dropped for not keeping up.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished, subscribersDropped)
}

type subKey struct {
	ownerID string
	seq     uint64
}

// Subscriber is one websocket client's view of the hub. Events are read
// from Events(); when Done() is closed the subscriber has been dropped and
// Reason() explains why.
type Subscriber struct {
	key   subKey
	class Class

	events chan Envelope
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	reason CloseReason
}

// Events returns the ordered envelope stream.
func (s *Subscriber) Events() <-chan Envelope { return s.events }

// Done is closed when the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Reason reports why the subscriber was closed.
func (s *Subscriber) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// OwnerID returns the device or operator session id owning the subscription.
func (s *Subscriber) OwnerID() string { return s.key.ownerID }

func (s *Subscriber) close(reason CloseReason) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Config configures a Hub.
type Config struct {
	// Clock stamps outgoing envelopes.
	Clock clockwork.Clock
	// QueueSize is the outbound buffer per subscriber.
	QueueSize int
}

// CheckAndSetDefaults fills in missing config values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.SubscriberQueueSize
	}
	return nil
}

// Hub tracks subscribers and fans out envelopes. Publishing never blocks
// the caller beyond the per-subscriber enqueue attempt.
type Hub struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	seq       uint64
	devices   map[subKey]*Subscriber
	operators map[subKey]*Subscriber
	// present counts open device websockets per device id. A device is
	// connected while its count is positive.
	present map[string]int
	closed  bool
}

// New creates a session hub.
func New(cfg Config) (*Hub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Hub{
		cfg:       cfg,
		log:       logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentHub}),
		devices:   map[subKey]*Subscriber{},
		operators: map[subKey]*Subscriber{},
		present:   map[string]int{},
	}, nil
}

// Subscribe registers a new subscriber in the given class. For the device
// class, the first concurrent subscription of a device also announces
// device_connected to operators.
func (h *Hub) Subscribe(class Class, ownerID string) (*Subscriber, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "hub is shut down")
	}
	h.seq++
	sub := &Subscriber{
		key:    subKey{ownerID: ownerID, seq: h.seq},
		class:  class,
		events: make(chan Envelope, h.cfg.QueueSize),
		done:   make(chan struct{}),
	}
	var announce bool
	switch class {
	case Devices:
		h.devices[sub.key] = sub
		h.present[ownerID]++
		announce = h.present[ownerID] == 1
	case Operators:
		h.operators[sub.key] = sub
	}
	h.mu.Unlock()

	if announce {
		h.Publish(Operators, Envelope{
			Type:    EventDeviceConnected,
			Payload: map[string]string{"device_id": ownerID},
		})
	}
	return sub, nil
}

// Unsubscribe removes a subscriber. Closing the last open device websocket
// of a device announces device_disconnected to operators.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	var announce bool
	switch sub.class {
	case Devices:
		if _, ok := h.devices[sub.key]; ok {
			delete(h.devices, sub.key)
			h.present[sub.key.ownerID]--
			if h.present[sub.key.ownerID] <= 0 {
				delete(h.present, sub.key.ownerID)
				announce = true
			}
		}
	case Operators:
		delete(h.operators, sub.key)
	}
	h.mu.Unlock()

	sub.close(CloseShutdown)
	if announce {
		h.Publish(Operators, Envelope{
			Type:    EventDeviceDisconnected,
			Payload: map[string]string{"device_id": sub.key.ownerID},
		})
	}
}

// Publish enqueues the envelope to every subscriber of the class. A
// subscriber whose buffer is full is dropped with the slow_consumer reason;
// publish failures are never surfaced to the caller.
func (h *Hub) Publish(class Class, envelope Envelope) {
	if envelope.ServerTime.IsZero() {
		envelope.ServerTime = h.cfg.Clock.Now().UTC()
	}
	eventsPublished.WithLabelValues(string(envelope.Type)).Inc()

	h.mu.Lock()
	targets := h.devices
	if class == Operators {
		targets = h.operators
	}
	var dropped []*Subscriber
	var gone []string
	for key, sub := range targets {
		select {
		case sub.events <- envelope:
		default:
			delete(targets, key)
			dropped = append(dropped, sub)
			if class == Devices {
				h.present[key.ownerID]--
				if h.present[key.ownerID] <= 0 {
					delete(h.present, key.ownerID)
					gone = append(gone, key.ownerID)
				}
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		subscribersDropped.Inc()
		h.log.WithFields(logrus.Fields{
			"owner": sub.key.ownerID,
			"event": envelope.Type,
		}).Warn("Dropping slow websocket consumer.")
		sub.close(CloseSlowConsumer)
	}
	for _, ownerID := range gone {
		h.Publish(Operators, Envelope{
			Type:    EventDeviceDisconnected,
			Payload: map[string]string{"device_id": ownerID},
		})
	}
}

// Broadcast publishes the envelope to both subscriber classes.
func (h *Hub) Broadcast(envelope Envelope) {
	h.Publish(Devices, envelope)
	h.Publish(Operators, envelope)
}

// EmitServerStatus implements credentials.Events.
func (h *Hub) EmitServerStatus(reason string) {
	h.Broadcast(Envelope{
		Type:    EventServerStatus,
		Payload: map[string]string{"reason": reason},
	})
}

// ConnectedDevices lists device ids with at least one open websocket.
func (h *Hub) ConnectedDevices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.present))
	for id := range h.present {
		out = append(out, id)
	}
	return out
}

// IsConnected reports whether the device has an open websocket.
func (h *Hub) IsConnected(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present[deviceID] > 0
}

// Close drops all subscribers and rejects further subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.devices)+len(h.operators))
	for _, sub := range h.devices {
		subs = append(subs, sub)
	}
	for _, sub := range h.operators {
		subs = append(subs, sub)
	}
	h.devices = map[subKey]*Subscriber{}
	h.operators = map[subKey]*Subscriber{}
	h.present = map[string]int{}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(CloseShutdown)
	}
}
