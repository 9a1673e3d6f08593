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

package transfer

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

// receivedBytes extracts the received_bytes progression for one session.
func (r *recordingEvents) receivedBytes(transferID string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, e := range r.envelopes {
		payload, ok := e.Payload.(map[string]interface{})
		if !ok || payload["transfer_id"] != transferID {
			continue
		}
		if n, ok := payload["received_bytes"].(int64); ok {
			out = append(out, n)
		}
	}
	return out
}

type testEngine struct {
	*Engine
	root   string
	events *recordingEvents
	clock  clockwork.Clock
}

func newTestEngine(t *testing.T, dataDir, root string, clock clockwork.Clock) *testEngine {
	t.Helper()
	events := &recordingEvents{}
	engine, err := NewEngine(Config{
		DataDir:        dataDir,
		Roots:          func() []string { return []string{root} },
		StaleThreshold: func() time.Duration { return 7 * 24 * time.Hour },
		Events:         events,
		Clock:          clock,
		ChunkSize:      256,
	})
	require.NoError(t, err)
	return &testEngine{Engine: engine, root: root, events: events, clock: clock}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	_, err := rand.Read(out)
	require.NoError(t, err)
	return out
}

func chunkOf(data []byte, index, chunkSize int64) []byte {
	start := index * chunkSize
	end := start + chunkSize
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

func TestUploadOutOfOrderWithRetries(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	source := randomBytes(t, 1000) // 4 chunks: 256+256+256+232
	target := filepath.Join(e.root, "upload.bin")

	session, err := e.CreateUpload("device-1", target, int64(len(source)), Abort)
	require.NoError(t, err)
	require.Equal(t, int64(256), session.ChunkSize)
	require.Equal(t, int64(4), session.NumChunks())

	// Deliver out of order with a duplicate of chunk 3.
	for _, index := range []int64{0, 1, 3, 3, 2} {
		_, err := e.WriteChunk("device-1", session.TransferID, index, chunkOf(source, index, 256))
		require.NoError(t, err)
	}

	// Finalization renamed staging onto the target.
	written, err := os.ReadFile(target)
	require.NoError(t, err)
	require.True(t, bytes.Equal(source, written))

	// The catalog entry and the session are gone.
	_, err = e.Get(session.TransferID)
	require.True(t, trace.IsNotFound(err))
	_, err = os.Stat(session.StagingPath)
	require.True(t, os.IsNotExist(err))

	// Progress events are monotonic and never exceed the total.
	progress := e.events.receivedBytes(session.TransferID)
	require.NotEmpty(t, progress)
	last := int64(0)
	for _, n := range progress {
		require.GreaterOrEqual(t, n, last)
		require.LessOrEqual(t, n, int64(len(source)))
		last = n
	}
}

func TestDuplicateChunkDoesNotDoubleCount(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	source := randomBytes(t, 600)
	target := filepath.Join(e.root, "dup.bin")

	session, err := e.CreateUpload("device-1", target, int64(len(source)), Abort)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		snap, err := e.WriteChunk("device-1", session.TransferID, 0, chunkOf(source, 0, 256))
		require.NoError(t, err)
		require.Equal(t, int64(256), snap.ReceivedBytes)
	}
}

func TestRestartRecovery(t *testing.T) {
	dataDir, root := t.TempDir(), t.TempDir()
	source := randomBytes(t, 1000)
	target := filepath.Join(root, "resume.bin")

	e1 := newTestEngine(t, dataDir, root, clockwork.NewRealClock())
	session, err := e1.CreateUpload("device-1", target, int64(len(source)), Abort)
	require.NoError(t, err)
	for _, index := range []int64{0, 1} {
		_, err := e1.WriteChunk("device-1", session.TransferID, index, chunkOf(source, index, 256))
		require.NoError(t, err)
	}

	// Simulate a process restart: a fresh engine over the same catalog.
	e2 := newTestEngine(t, dataDir, root, clockwork.NewRealClock())
	snap, err := e2.Get(session.TransferID)
	require.NoError(t, err)
	require.Equal(t, int64(512), snap.ReceivedBytes)
	require.ElementsMatch(t, []int64{0, 1}, snap.HaveChunks())

	// Completion after restart produces the same bytes an uninterrupted
	// upload would have.
	for _, index := range []int64{3, 2} {
		_, err := e2.WriteChunk("device-1", session.TransferID, index, chunkOf(source, index, 256))
		require.NoError(t, err)
	}
	written, err := os.ReadFile(target)
	require.NoError(t, err)
	require.True(t, bytes.Equal(source, written))
}

func uploadAll(t *testing.T, e *testEngine, owner, target string, source []byte, policy ConflictPolicy) Session {
	t.Helper()
	session, err := e.CreateUpload(owner, target, int64(len(source)), policy)
	require.NoError(t, err)
	var last Session
	for index := int64(0); index < session.NumChunks(); index++ {
		last, err = e.WriteChunk(owner, session.TransferID, index, chunkOf(source, index, session.ChunkSize))
		require.NoError(t, err)
	}
	return last
}

func TestConflictPolicies(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	target := filepath.Join(e.root, "conflict.txt")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o600))

	t.Run("abort", func(t *testing.T) {
		source := randomBytes(t, 100)
		session, err := e.CreateUpload("device-1", target, int64(len(source)), Abort)
		require.NoError(t, err)
		_, err = e.WriteChunk("device-1", session.TransferID, 0, source)
		require.Error(t, err)
		data, readErr := os.ReadFile(target)
		require.NoError(t, readErr)
		require.Equal(t, "original", string(data))
	})

	t.Run("keep both", func(t *testing.T) {
		source := randomBytes(t, 100)
		uploadAll(t, e, "device-1", target, source, KeepBoth)
		data, err := os.ReadFile(filepath.Join(e.root, "conflict (1).txt"))
		require.NoError(t, err)
		require.True(t, bytes.Equal(source, data))
		// The original survives untouched.
		data, err = os.ReadFile(target)
		require.NoError(t, err)
		require.Equal(t, "original", string(data))
	})

	t.Run("overwrite", func(t *testing.T) {
		source := randomBytes(t, 100)
		uploadAll(t, e, "device-1", target, source, Overwrite)
		data, err := os.ReadFile(target)
		require.NoError(t, err)
		require.True(t, bytes.Equal(source, data))
	})
}

func TestPauseAndResume(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	source := randomBytes(t, 1000)
	target := filepath.Join(e.root, "paused.bin")

	session, err := e.CreateUpload("device-1", target, int64(len(source)), Abort)
	require.NoError(t, err)
	_, err = e.WriteChunk("device-1", session.TransferID, 0, chunkOf(source, 0, 256))
	require.NoError(t, err)

	paused, err := e.Pause("device-1", session.TransferID)
	require.NoError(t, err)
	require.Equal(t, Paused, paused.State)

	// The first PUT after a pause returns the resume metadata.
	_, err = e.WriteChunk("device-1", session.TransferID, 1, chunkOf(source, 1, 256))
	var pausedErr *PausedError
	require.True(t, errors.As(err, &pausedErr))
	require.Equal(t, []int64{0}, pausedErr.HaveChunks)

	// Subsequent PUTs are accepted again and the upload completes.
	for _, index := range []int64{1, 2, 3} {
		_, err := e.WriteChunk("device-1", session.TransferID, index, chunkOf(source, index, 256))
		require.NoError(t, err)
	}
	written, err := os.ReadFile(target)
	require.NoError(t, err)
	require.True(t, bytes.Equal(source, written))
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	source := randomBytes(t, 600)

	session, err := e.CreateUpload("device-1", filepath.Join(e.root, "cancel.bin"), int64(len(source)), Abort)
	require.NoError(t, err)
	_, err = e.WriteChunk("device-1", session.TransferID, 0, chunkOf(source, 0, 256))
	require.NoError(t, err)

	require.NoError(t, e.Cancel("device-1", session.TransferID))

	_, err = os.Stat(session.StagingPath)
	require.True(t, os.IsNotExist(err))
	_, err = e.WriteChunk("device-1", session.TransferID, 1, chunkOf(source, 1, 256))
	require.True(t, trace.IsNotFound(err))
}

func TestInvariantViolationsFailSession(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())

	t.Run("chunk out of range", func(t *testing.T) {
		session, err := e.CreateUpload("device-1", filepath.Join(e.root, "oob.bin"), 600, Abort)
		require.NoError(t, err)
		_, err = e.WriteChunk("device-1", session.TransferID, 9, make([]byte, 256))
		require.Error(t, err)
		// The session is gone along with its staging file.
		_, err = e.Get(session.TransferID)
		require.True(t, trace.IsNotFound(err))
		_, statErr := os.Stat(session.StagingPath)
		require.True(t, os.IsNotExist(statErr))
	})

	t.Run("size mismatch", func(t *testing.T) {
		session, err := e.CreateUpload("device-1", filepath.Join(e.root, "short.bin"), 600, Abort)
		require.NoError(t, err)
		_, err = e.WriteChunk("device-1", session.TransferID, 0, make([]byte, 10))
		require.Error(t, err)
		_, err = e.Get(session.TransferID)
		require.True(t, trace.IsNotFound(err))
	})
}

func TestOwnershipEnforced(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	session, err := e.CreateUpload("device-1", filepath.Join(e.root, "owned.bin"), 600, Abort)
	require.NoError(t, err)

	_, err = e.WriteChunk("device-2", session.TransferID, 0, make([]byte, 256))
	require.True(t, trace.IsAccessDenied(err))
	require.True(t, trace.IsAccessDenied(e.Cancel("device-2", session.TransferID)))

	// The server identity passes ownership checks.
	_, err = e.WriteChunk("", session.TransferID, 0, make([]byte, 256))
	require.NoError(t, err)
}

func TestCreateUploadRejectsEscapes(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	outside := t.TempDir()

	_, err := e.CreateUpload("device-1", filepath.Join(outside, "evil.bin"), 100, Abort)
	require.Error(t, err)
	_, err = e.CreateUpload("device-1", filepath.Join(e.root, "..", "evil.bin"), 100, Abort)
	require.Error(t, err)
}

func TestDirectUpload(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clockwork.NewRealClock())
	source := randomBytes(t, 5000)
	target := filepath.Join(e.root, "direct.bin")

	n, err := e.DirectUpload("device-1", target, bytes.NewReader(source), Abort)
	require.NoError(t, err)
	require.Equal(t, int64(len(source)), n)

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	require.True(t, bytes.Equal(source, written))

	// A second direct upload with Abort trips on the existing target.
	_, err = e.DirectUpload("device-1", target, bytes.NewReader(source), Abort)
	require.Error(t, err)
}

func TestCleanupStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newTestEngine(t, t.TempDir(), t.TempDir(), clock)

	session, err := e.CreateUpload("device-1", filepath.Join(e.root, "stale.bin"), 600, Abort)
	require.NoError(t, err)

	// Nothing is stale yet.
	uploads, downloads := e.CleanupStale()
	require.Zero(t, uploads)
	require.Zero(t, downloads)

	clock.Advance(8 * 24 * time.Hour)
	uploads, downloads = e.CleanupStale()
	require.Equal(t, 1, uploads)
	require.Zero(t, downloads)

	_, err = e.Get(session.TransferID)
	require.True(t, trace.IsNotFound(err))
	_, statErr := os.Stat(session.StagingPath)
	require.True(t, os.IsNotExist(statErr))
}
