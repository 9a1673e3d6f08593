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

// Package pairing implements the pairing broker mediating device-initiated
// pairing requests with an out-of-band operator decision.
package pairing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/hub"
	"github.com/BYTEDz/pclink/lib/limiter"
	"github.com/BYTEDz/pclink/lib/registry"
)

// Decision is the state of a pairing ticket. Pending transitions exactly
// once to one of the terminal states; terminals are sinks.
type Decision string

const (
	Pending  Decision = "pending"
	Approved Decision = "approved"
	Denied   Decision = "denied"
	Expired  Decision = "expired"
)

// Terminal request outcomes. Handlers map these onto the wire codes.
var (
	// ErrDenied means the operator rejected the pairing.
	ErrDenied = errors.New("pairing request was denied")
	// ErrTimeout means no decision arrived before the deadline.
	ErrTimeout = errors.New("pairing request timed out")
)

// Ticket is the public snapshot of an in-flight pairing attempt.
type Ticket struct {
	PairingID  string    `json:"pairing_id"`
	DeviceName string    `json:"device_name"`
	Platform   string    `json:"platform"`
	ClientIP   string    `json:"client_ip"`
	CreatedAt  time.Time `json:"created_at"`
	Decision   Decision  `json:"decision"`
}

// Result is returned to the blocked pairing initiator on approval.
type Result struct {
	// DeviceKey is the freshly minted device credential.
	DeviceKey string
	// Device is the registry entry created at approval.
	Device *registry.Device
}

// ticket is the broker-internal state with its wakeup channel.
type ticket struct {
	Ticket
	decided   chan struct{}
	deviceKey string
	device    *registry.Device
}

// Approver creates registry entries for approved tickets; the device
// registry implements it.
type Approver interface {
	Approve(name, platform, ip string) (*registry.Device, error)
}

// Config configures a Broker.
type Config struct {
	// Approver mints devices on approval.
	Approver Approver
	// Events receives pairing_request envelopes for operator subscribers.
	Events Events
	// Limiter guards the unauthenticated request endpoint per source IP.
	Limiter *limiter.Limiter
	// Clock drives expiry.
	Clock clockwork.Clock
	// Timeout bounds how long a request may stay pending.
	Timeout time.Duration
}

// Events is the envelope sink pairing requests are announced on.
type Events interface {
	Publish(class hub.Class, envelope hub.Envelope)
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Approver == nil {
		return trace.BadParameter("missing parameter Approver")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.PairingTimeout
	}
	if c.Limiter == nil {
		var err error
		c.Limiter, err = limiter.New(limiter.Config{
			Limit:    defaults.PairingRequestsPerMinute,
			Window:   time.Minute,
			Capacity: defaults.LimiterCapacity,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Broker mediates the two-step pairing protocol. Pending tickets are held
// in memory only; an approved ticket is promoted into the device registry.
// A decided ticket stays in memory after the initiator reads the result and
// is discarded by the first request that finds it older than the timeout.
type Broker struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	tickets map[string]*ticket
}

// New creates a pairing broker.
func New(cfg Config) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broker{
		cfg:     cfg,
		log:     logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentPairing}),
		tickets: map[string]*ticket{},
	}, nil
}

// SanitizeDeviceName bounds the length of a client-supplied name and strips
// HTML-unsafe and control characters.
func SanitizeDeviceName(name string) (string, error) {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(`<>&"'`, r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return "", trace.BadParameter("device name is empty after sanitization")
	}
	if len(clean) > defaults.MaxDeviceNameLength {
		clean = clean[:defaults.MaxDeviceNameLength]
	}
	return clean, nil
}

// Request submits a pairing attempt and blocks until the operator decides,
// the timeout elapses, or ctx is cancelled. Duplicate submissions with the
// same (ip, name) while a ticket is pending attach to the existing ticket
// instead of creating a second one.
func (b *Broker) Request(ctx context.Context, deviceName, platform, ip string) (*Result, error) {
	if err := b.cfg.Limiter.Allow(ip); err != nil {
		return nil, trace.Wrap(err)
	}
	name, err := SanitizeDeviceName(deviceName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	t, created := b.findOrCreate(name, platform, ip)
	if created {
		b.log.WithFields(logrus.Fields{"device": name, "ip": ip, "pairing_id": t.PairingID}).Info("Pairing requested.")
		if b.cfg.Events != nil {
			b.cfg.Events.Publish(hub.Operators, hub.Envelope{
				Type:    hub.EventPairingRequest,
				Payload: t.Ticket,
			})
		}
	}

	timeout := b.cfg.Clock.After(b.cfg.Timeout)
	select {
	case <-t.decided:
	case <-timeout:
		b.expire(t)
	case <-ctx.Done():
		// The initiator went away; the ticket stays pending so a retry
		// can re-attach until the timeout expires it.
		return nil, trace.Wrap(ctx.Err())
	}

	// A decision that raced the timeout wins; wait for it to finish
	// populating the ticket before reading the result.
	b.mu.Lock()
	approved := t.Decision == Approved
	b.mu.Unlock()
	if approved {
		<-t.decided
	}

	b.mu.Lock()
	decision := t.Decision
	result := &Result{DeviceKey: t.deviceKey, Device: t.device}
	b.mu.Unlock()

	switch decision {
	case Approved:
		return result, nil
	case Denied:
		return nil, trace.Wrap(ErrDenied)
	default:
		return nil, trace.Wrap(ErrTimeout)
	}
}

// findOrCreate coalesces duplicate pending requests by (ip, name).
func (b *Broker) findOrCreate(name, platform, ip string) (t *ticket, created bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now().UTC()
	for id, existing := range b.tickets {
		// Decided tickets outlive the initiator's read for one timeout
		// window so a repeated decision still reports the prior outcome.
		if existing.Decision != Pending && now.Sub(existing.CreatedAt) >= b.cfg.Timeout {
			delete(b.tickets, id)
			continue
		}
		if existing.Decision == Pending &&
			existing.ClientIP == ip && existing.DeviceName == name &&
			now.Sub(existing.CreatedAt) < b.cfg.Timeout {
			return existing, false
		}
	}
	t = &ticket{
		Ticket: Ticket{
			PairingID:  uuid.NewString(),
			DeviceName: name,
			Platform:   platform,
			ClientIP:   ip,
			CreatedAt:  now,
			Decision:   Pending,
		},
		decided: make(chan struct{}),
	}
	b.tickets[t.PairingID] = t
	return t, true
}

// expire moves a still-pending ticket to Expired.
func (b *Broker) expire(t *ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Decision == Pending {
		t.Decision = Expired
		close(t.decided)
	}
}

// Decide resolves a pending ticket. Decisions are idempotent per pairing
// id: a second decision is a no-op returning the prior outcome.
func (b *Broker) Decide(pairingID string, approve bool) (Decision, error) {
	b.mu.Lock()
	t, ok := b.tickets[pairingID]
	if !ok {
		b.mu.Unlock()
		return "", trace.NotFound("pairing ticket %q not found", pairingID)
	}
	if t.Decision != Pending {
		decision := t.Decision
		b.mu.Unlock()
		return decision, nil
	}
	if b.cfg.Clock.Now().UTC().Sub(t.CreatedAt) >= b.cfg.Timeout {
		t.Decision = Expired
		close(t.decided)
		b.mu.Unlock()
		return Expired, nil
	}
	if !approve {
		t.Decision = Denied
		close(t.decided)
		b.mu.Unlock()
		b.log.WithField("pairing_id", pairingID).Info("Pairing denied.")
		return Denied, nil
	}
	// Mark the decision before releasing the lock so a concurrent Decide
	// observes it as taken; the waiter is only woken once the device
	// exists in the registry.
	t.Decision = Approved
	b.mu.Unlock()

	device, err := b.cfg.Approver.Approve(t.DeviceName, t.Platform, t.ClientIP)
	if err != nil {
		b.mu.Lock()
		t.Decision = Denied
		close(t.decided)
		b.mu.Unlock()
		return "", trace.Wrap(err)
	}

	b.mu.Lock()
	t.deviceKey = device.DeviceKey
	t.device = device
	close(t.decided)
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"pairing_id": pairingID, "device": device.Name}).Info("Pairing approved.")
	return Approved, nil
}

// Pending lists tickets that are still awaiting a decision.
func (b *Broker) Pending() []Ticket {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now().UTC()
	var out []Ticket
	for _, t := range b.tickets {
		if t.Decision == Pending && now.Sub(t.CreatedAt) < b.cfg.Timeout {
			out = append(out, t.Ticket)
		}
	}
	return out
}
