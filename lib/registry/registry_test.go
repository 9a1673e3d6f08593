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

package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/BYTEDz/pclink/lib/hub"
)

type recordingEvents struct {
	mu        sync.Mutex
	envelopes []hub.Envelope
}

func (r *recordingEvents) Publish(class hub.Class, envelope hub.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, envelope)
}

func (r *recordingEvents) types() []hub.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hub.EventType, 0, len(r.envelopes))
	for _, e := range r.envelopes {
		out = append(out, e.Type)
	}
	return out
}

func newTestRegistry(t *testing.T, dir string) (*Registry, *recordingEvents) {
	events := &recordingEvents{}
	r, err := New(Config{
		DataDir:   dir,
		ServerKey: func() string { return "feedfacefeedfacefeedfacefeedface" },
		Events:    events,
		Clock:     clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	return r, events
}

func TestAuthorizeErrors(t *testing.T) {
	r, _ := newTestRegistry(t, t.TempDir())

	_, err := r.Authorize("", "10.0.0.1")
	require.ErrorIs(t, err, ErrMissingCredential)

	_, err = r.Authorize("deadbeefdeadbeefdeadbeefdeadbeef", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestApproveAndAuthorize(t *testing.T) {
	r, events := newTestRegistry(t, t.TempDir())

	device, err := r.Approve("phone-A", "android", "10.0.0.2")
	require.NoError(t, err)
	require.NotEmpty(t, device.ID)
	require.Len(t, device.DeviceKey, 32)
	require.Equal(t, []hub.EventType{hub.EventDeviceConnected}, events.types())

	identity, err := r.Authorize(device.DeviceKey, "10.0.0.3")
	require.NoError(t, err)
	require.Equal(t, device.ID, identity.DeviceID)
	require.False(t, identity.Server)

	// Authorization updates liveness as a side effect.
	updated, err := r.Get(device.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", updated.IP)
	require.False(t, updated.LastSeen.Before(device.LastSeen))
}

func TestServerKeyAuthorizes(t *testing.T) {
	r, _ := newTestRegistry(t, t.TempDir())

	identity, err := r.Authorize("feedfacefeedfacefeedfacefeedface", "127.0.0.1")
	require.NoError(t, err)
	require.True(t, identity.Server)
	require.Equal(t, ServerOwner, identity.DeviceID)
}

func TestRevoke(t *testing.T) {
	r, events := newTestRegistry(t, t.TempDir())

	device, err := r.Approve("phone-A", "android", "10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, r.Revoke(device.ID))
	require.True(t, trace.IsNotFound(r.Revoke(device.ID)))

	// A request using the former key classifies as revoked, not unknown.
	_, err = r.Authorize(device.DeviceKey, "10.0.0.2")
	require.ErrorIs(t, err, ErrRevokedCredential)
	require.Equal(t, []hub.EventType{hub.EventDeviceConnected, hub.EventDeviceDisconnected}, events.types())
	require.Zero(t, r.Len())
}

func TestRevokeAll(t *testing.T) {
	r, _ := newTestRegistry(t, t.TempDir())

	a, err := r.Approve("phone-A", "android", "10.0.0.2")
	require.NoError(t, err)
	b, err := r.Approve("tablet-B", "ios", "10.0.0.3")
	require.NoError(t, err)

	require.NoError(t, r.RevokeAll())
	require.Zero(t, r.Len())
	for _, key := range []string{a.DeviceKey, b.DeviceKey} {
		_, err := r.Authorize(key, "10.0.0.2")
		require.ErrorIs(t, err, ErrRevokedCredential)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRegistry(t, dir)

	device, err := r.Approve("phone-A", "android", "10.0.0.2")
	require.NoError(t, err)
	revoked, err := r.Approve("old-phone", "android", "10.0.0.4")
	require.NoError(t, err)
	require.NoError(t, r.Revoke(revoked.ID))

	reloaded, _ := newTestRegistry(t, dir)
	require.Equal(t, 1, reloaded.Len())

	identity, err := reloaded.Authorize(device.DeviceKey, "10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, device.ID, identity.DeviceID)

	// Tombstones survive restart too.
	_, err = reloaded.Authorize(revoked.DeviceKey, "10.0.0.4")
	require.ErrorIs(t, err, ErrRevokedCredential)
}

func TestCorruptRegistryFailsStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices.json"), []byte("{broken"), 0o600))

	_, err := New(Config{DataDir: dir})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
