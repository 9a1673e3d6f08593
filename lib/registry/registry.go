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

// Package registry implements the paired device registry: the concurrent
// credential map backing device authorization, persisted as a full snapshot
// to devices.json on every mutation.
package registry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/hub"
	"github.com/BYTEDz/pclink/lib/utils"
)

// Authorization failure classes. Handlers map these onto the wire codes.
var (
	// ErrMissingCredential means no key was presented.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential means the key matches no known device.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrRevokedCredential means the key belonged to a device that has
	// since been removed.
	ErrRevokedCredential = errors.New("revoked credential")
)

// ServerOwner is the identity sentinel reported when the server's own API
// key authenticates a request.
const ServerOwner = "server"

// Device represents one paired client.
type Device struct {
	// ID is the stable UUID chosen at approval time.
	ID string `json:"id"`
	// Name is the sanitized client-supplied name.
	Name string `json:"name"`
	// Platform is an opaque client-reported string.
	Platform string `json:"platform"`
	// IP is the last-seen address literal.
	IP string `json:"ip"`
	// DeviceKey is the opaque credential uniquely identifying the device.
	DeviceKey string `json:"device_key"`
	// ApprovedAt is when the operator approved the pairing.
	ApprovedAt time.Time `json:"approved_at"`
	// LastSeen is updated on every authenticated request.
	LastSeen time.Time `json:"last_seen"`
}

// Identity is the outcome of a successful authorization.
type Identity struct {
	// DeviceID identifies the device, or ServerOwner for the server key.
	DeviceID string
	// Name is the device name, empty for the server key.
	Name string
	// Server is set when the server API key was presented. Audit events
	// distinguish it from device credentials.
	Server bool
}

// Config configures a Registry.
type Config struct {
	// DataDir is where devices.json lives.
	DataDir string
	// ServerKey returns the current server API key, accepted as a valid
	// credential for the operator's own tooling.
	ServerKey func() string
	// Events receives device lifecycle envelopes; the session hub
	// implements it.
	Events Events
	// Clock drives last_seen and approved_at stamps.
	Clock clockwork.Clock
}

// Events is the envelope sink the registry publishes device lifecycle
// changes to.
type Events interface {
	Publish(class hub.Class, envelope hub.Envelope)
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing parameter DataDir")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// snapshot is the JSON shape of devices.json.
type snapshot struct {
	Devices []Device `json:"devices"`
	// RevokedKeys remembers removed credentials so that requests using
	// them classify as revoked rather than unknown, across restarts.
	RevokedKeys []string `json:"revoked_keys,omitempty"`
}

// Registry is the concurrent device map. All operations are internally
// serialized; mutations are persisted before they return.
type Registry struct {
	cfg Config
	log *logrus.Entry

	mu      sync.RWMutex
	byKey   map[string]*Device
	keyByID map[string]string
	revoked map[string]bool
}

// New loads the registry from dataDir. A corrupt devices.json fails loudly:
// startup must not proceed with a partial registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Registry{
		cfg:     cfg,
		log:     logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentRegistry}),
		byKey:   map[string]*Device{},
		keyByID: map[string]string{},
		revoked: map[string]bool{},
	}

	path := r.path()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return r, nil
	case err != nil:
		return nil, trace.ConvertSystemError(err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, trace.BadParameter("corrupt device registry %v: %v; remove the file to reset pairings", path, err)
	}
	for i := range snap.Devices {
		device := snap.Devices[i]
		r.byKey[device.DeviceKey] = &device
		r.keyByID[device.ID] = device.DeviceKey
	}
	for _, key := range snap.RevokedKeys {
		r.revoked[key] = true
	}
	return r, nil
}

func (r *Registry) path() string {
	return filepath.Join(r.cfg.DataDir, "devices.json")
}

// persist rewrites devices.json. Callers hold the write lock.
func (r *Registry) persist() error {
	snap := snapshot{Devices: make([]Device, 0, len(r.byKey))}
	for _, device := range r.byKey {
		snap.Devices = append(snap.Devices, *device)
	}
	for key := range r.revoked {
		snap.RevokedKeys = append(snap.RevokedKeys, key)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.WriteFileAtomic(r.path(), data, 0o600))
}

// Authorize validates a presented key. Comparison against every stored
// credential runs in constant time per candidate with no early exit, so the
// duration does not leak which key almost matched. On success the device's
// last_seen and ip are updated as a side effect.
func (r *Registry) Authorize(key, ip string) (*Identity, error) {
	if key == "" {
		return nil, ErrMissingCredential
	}
	presented := []byte(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	var matched *Device
	for stored, device := range r.byKey {
		if subtle.ConstantTimeCompare(presented, []byte(stored)) == 1 {
			matched = device
		}
	}
	serverMatch := false
	if r.cfg.ServerKey != nil {
		if serverKey := r.cfg.ServerKey(); serverKey != "" {
			serverMatch = subtle.ConstantTimeCompare(presented, []byte(serverKey)) == 1
		}
	}

	switch {
	case serverMatch:
		return &Identity{DeviceID: ServerOwner, Server: true}, nil
	case matched != nil:
		matched.LastSeen = r.cfg.Clock.Now().UTC()
		matched.IP = ip
		if err := r.persist(); err != nil {
			r.log.WithError(err).Warn("Failed to persist device liveness update.")
		}
		return &Identity{DeviceID: matched.ID, Name: matched.Name}, nil
	case r.revoked[key]:
		return nil, ErrRevokedCredential
	default:
		return nil, ErrInvalidCredential
	}
}

// Approve mints a new device with a fresh key and announces it to operator
// subscribers.
func (r *Registry) Approve(name, platform, ip string) (*Device, error) {
	deviceKey, err := utils.CryptoRandomHex(defaults.APIKeyBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := r.cfg.Clock.Now().UTC()
	device := &Device{
		ID:         uuid.NewString(),
		Name:       name,
		Platform:   platform,
		IP:         ip,
		DeviceKey:  deviceKey,
		ApprovedAt: now,
		LastSeen:   now,
	}

	r.mu.Lock()
	r.byKey[deviceKey] = device
	r.keyByID[device.ID] = deviceKey
	// The key is fresh; make sure a stale tombstone cannot shadow it.
	delete(r.revoked, deviceKey)
	err = r.persist()
	r.mu.Unlock()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.log.WithFields(logrus.Fields{"device": device.Name, "id": device.ID}).Info("Device paired.")
	if r.cfg.Events != nil {
		r.cfg.Events.Publish(hub.Operators, hub.Envelope{
			Type: hub.EventDeviceConnected,
			Payload: map[string]string{
				"device_id": device.ID,
				"name":      device.Name,
				"platform":  device.Platform,
			},
		})
	}
	out := *device
	return &out, nil
}

// Revoke atomically removes a device. Concurrent requests using the former
// key observe the revocation at their next authorization checkpoint.
func (r *Registry) Revoke(deviceID string) error {
	r.mu.Lock()
	key, ok := r.keyByID[deviceID]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("device %q is not paired", deviceID)
	}
	delete(r.byKey, key)
	delete(r.keyByID, deviceID)
	r.revoked[key] = true
	err := r.persist()
	r.mu.Unlock()
	if err != nil {
		return trace.Wrap(err)
	}

	r.log.WithField("id", deviceID).Info("Device revoked.")
	if r.cfg.Events != nil {
		r.cfg.Events.Publish(hub.Operators, hub.Envelope{
			Type:    hub.EventDeviceDisconnected,
			Payload: map[string]string{"device_id": deviceID},
		})
	}
	return nil
}

// RevokeAll atomically clears the registry.
func (r *Registry) RevokeAll() error {
	r.mu.Lock()
	for key := range r.byKey {
		r.revoked[key] = true
	}
	r.byKey = map[string]*Device{}
	r.keyByID = map[string]string{}
	err := r.persist()
	r.mu.Unlock()
	if err != nil {
		return trace.Wrap(err)
	}
	r.log.Info("All devices revoked.")
	return nil
}

// Get returns a snapshot of one device by id.
func (r *Registry) Get(deviceID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keyByID[deviceID]
	if !ok {
		return nil, trace.NotFound("device %q is not paired", deviceID)
	}
	out := *r.byKey[key]
	return &out, nil
}

// List returns snapshots of all paired devices.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byKey))
	for _, device := range r.byKey {
		out = append(out, *device)
	}
	return out
}

// Len returns the number of paired devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
