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

// Package transfer implements the resumable transfer engine: chunked atomic
// uploads, range-served downloads, the disk-backed session catalog and
// stale session cleanup.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/httplib"
	"github.com/BYTEDz/pclink/lib/hub"
)

var (
	transfersStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pclink_transfers_started_total",
		Help: "Number of transfer sessions started per direction.",
	}, []string{"direction"})
	transfersCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pclink_transfers_completed_total",
		Help: "Number of uploads finalized successfully.",
	})
	transfersCleaned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pclink_transfers_cleaned_total",
		Help: "Number of stale sessions removed per direction.",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(transfersStarted, transfersCompleted, transfersCleaned)
}

// PausedError is returned for the chunk PUT that wakes a paused session:
// it carries the set of chunks the server already has so the client can
// resume without resending them.
type PausedError struct {
	TransferID string
	HaveChunks []int64
}

func (e *PausedError) Error() string {
	return fmt.Sprintf("transfer session %q was paused, %d chunks stored", e.TransferID, len(e.HaveChunks))
}

// Events is the envelope sink transfer progress is announced on.
type Events interface {
	Publish(class hub.Class, envelope hub.Envelope)
}

// Config configures an Engine.
type Config struct {
	// DataDir is the per-user data directory; the catalog lives in its
	// transfers/ subdirectory.
	DataDir string
	// Roots returns the current allow-list of file access roots.
	Roots func() []string
	// StaleThreshold returns the operator-configured inactivity age.
	StaleThreshold func() time.Duration
	// Events receives transfer_update envelopes.
	Events Events
	// Clock drives activity stamps and the cleanup schedule.
	Clock clockwork.Clock
	// ChunkSize overrides the default upload chunk size.
	ChunkSize int64
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing parameter DataDir")
	}
	if c.Roots == nil {
		return trace.BadParameter("missing parameter Roots")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaults.UploadChunkSize
	}
	if c.StaleThreshold == nil {
		c.StaleThreshold = func() time.Duration { return defaults.StaleTransferThreshold }
	}
	return nil
}

// Engine owns the transfer catalog.
type Engine struct {
	cfg Config
	log *logrus.Entry
	dir string

	mu       sync.RWMutex
	sessions map[string]*session
	// downloadIndex maps (owner, path) to an existing download session so
	// repeated range requests for the same file share one session.
	downloadIndex map[string]string
}

// NewEngine creates the engine and reconstructs in-memory state for all
// non-terminal sessions found in the catalog. Terminal entries are removed.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{
		cfg:           cfg,
		log:           logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentTransfer}),
		dir:           filepath.Join(cfg.DataDir, "transfers"),
		sessions:      map[string]*session{},
		downloadIndex: map[string]string{},
	}
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := e.loadCatalog(); err != nil {
		return nil, trace.Wrap(err)
	}
	return e, nil
}

func (e *Engine) loadCatalog() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		metaPath := filepath.Join(e.dir, entry.Name())
		data, err := os.ReadFile(metaPath)
		if err != nil {
			e.log.WithError(err).WithField("file", entry.Name()).Warn("Skipping unreadable catalog entry.")
			continue
		}
		var meta Session
		if err := json.Unmarshal(data, &meta); err != nil {
			e.log.WithError(err).WithField("file", entry.Name()).Warn("Removing corrupt catalog entry.")
			os.Remove(metaPath)
			continue
		}
		switch meta.State {
		case Active, Paused:
			s := &session{meta: meta, metaPath: metaPath, chunks: newChunkRecords(&meta)}
			e.sessions[meta.TransferID] = s
			if meta.Direction == Download {
				e.downloadIndex[downloadKey(meta.OwnerDeviceID, meta.TargetPath)] = meta.TransferID
			}
		default:
			// Completed and cancelled sessions have nothing to resume.
			os.Remove(metaPath)
			if meta.StagingPath != "" {
				os.Remove(meta.StagingPath)
			}
		}
	}
	if n := len(e.sessions); n > 0 {
		e.log.Infof("Restored %d resumable transfer sessions.", n)
	}
	return nil
}

func downloadKey(owner, path string) string {
	return owner + "\x00" + path
}

// emitUpdate publishes a transfer_update envelope. Callers hold the
// session lock, which makes progress events monotonic per session.
func (e *Engine) emitUpdate(meta *Session) {
	if e.cfg.Events == nil {
		return
	}
	e.cfg.Events.Publish(hub.Operators, hub.Envelope{
		Type: hub.EventTransferUpdate,
		Payload: map[string]interface{}{
			"transfer_id":    meta.TransferID,
			"direction":      meta.Direction,
			"state":          meta.State,
			"received_bytes": meta.ReceivedBytes,
			"sent_bytes":     meta.SentBytes,
			"total_size":     meta.TotalSize,
		},
	})
}

// CreateUpload validates the target and registers a new resumable upload.
func (e *Engine) CreateUpload(ownerID, targetPath string, totalSize int64, policy ConflictPolicy) (Session, error) {
	if totalSize < 0 {
		return Session{}, trace.BadParameter("negative total size")
	}
	if err := policy.check(); err != nil {
		return Session{}, trace.Wrap(err)
	}
	resolved, err := ValidatePath(targetPath, e.cfg.Roots(), false)
	if err != nil {
		return Session{}, trace.Wrap(err)
	}

	id := uuid.NewString()
	now := e.cfg.Clock.Now().UTC()
	s := &session{
		meta: Session{
			TransferID:    id,
			Direction:     Upload,
			OwnerDeviceID: ownerID,
			TargetPath:    resolved,
			StagingPath:   filepath.Join(e.dir, id+".staging"),
			TotalSize:     totalSize,
			ChunkSize:     e.cfg.ChunkSize,
			State:         Active,
			CreatedAt:     now,
			LastActivity:  now,
			Policy:        policy,
		},
		metaPath: filepath.Join(e.dir, id+".meta"),
	}
	s.chunks = newChunkRecords(&s.meta)

	staging, err := os.OpenFile(s.meta.StagingPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Session{}, trace.ConvertSystemError(err)
	}
	staging.Close()

	s.mu.Lock()
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		os.Remove(s.meta.StagingPath)
		return Session{}, trace.Wrap(err)
	}

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	transfersStarted.WithLabelValues(string(Upload)).Inc()
	e.log.WithFields(logrus.Fields{"transfer_id": id, "target": resolved, "size": totalSize}).Info("Upload session created.")
	return s.snapshot(), nil
}

func (e *Engine) get(id string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, trace.NotFound("transfer session %q not found", id)
	}
	return s, nil
}

// checkOwner enforces that only the owning device (or the server identity)
// operates on a session.
func checkOwner(meta *Session, ownerID string) error {
	if ownerID != "" && ownerID != meta.OwnerDeviceID {
		return trace.AccessDenied("transfer session belongs to another device")
	}
	return nil
}

// WriteChunk stores one chunk of an upload. Retried PUTs of an already
// written chunk are idempotent and do not double-count; concurrent PUTs of
// the same index serialize on the chunk record.
func (e *Engine) WriteChunk(ownerID, id string, index int64, data []byte) (Session, error) {
	s, err := e.get(id)
	if err != nil {
		return Session{}, trace.Wrap(err)
	}

	s.mu.Lock()
	if err := checkOwner(&s.meta, ownerID); err != nil {
		s.mu.Unlock()
		return Session{}, trace.Wrap(err)
	}
	if s.meta.Direction != Upload {
		s.mu.Unlock()
		return Session{}, trace.BadParameter("session %q is not an upload", id)
	}
	switch s.meta.State {
	case Active:
	case Paused:
		// Sending a chunk resumes a paused session: this first PUT is
		// answered with the resume metadata so the client learns which
		// chunks the server already has, and subsequent PUTs are
		// accepted again.
		s.meta.State = Active
		s.meta.LastError = ""
		have := s.meta.HaveChunks()
		if err := s.persistLocked(); err != nil {
			s.mu.Unlock()
			return Session{}, trace.Wrap(err)
		}
		s.mu.Unlock()
		return Session{}, &PausedError{TransferID: id, HaveChunks: have}
	default:
		state := s.meta.State
		s.mu.Unlock()
		return Session{}, httplib.Errorf(http.StatusGone, httplib.CodeTransferCancelled,
			"transfer session %q is %v", id, state)
	}
	if index < 0 || index >= s.meta.NumChunks() {
		s.mu.Unlock()
		e.failSession(s, httplib.CodeChunkOutOfRange)
		return Session{}, httplib.Errorf(http.StatusBadRequest, httplib.CodeChunkOutOfRange,
			"chunk index %d out of range for %d chunks", index, s.meta.NumChunks())
	}
	expected := s.meta.ChunkSize
	if remaining := s.meta.TotalSize - index*s.meta.ChunkSize; remaining < expected {
		expected = remaining
	}
	if int64(len(data)) != expected {
		s.mu.Unlock()
		e.failSession(s, httplib.CodeSizeMismatch)
		return Session{}, httplib.Errorf(http.StatusBadRequest, httplib.CodeSizeMismatch,
			"chunk %d has %d bytes, expected %d", index, len(data), expected)
	}
	chunk := s.chunks[index]
	stagingPath := s.meta.StagingPath
	offset := index * s.meta.ChunkSize
	s.mu.Unlock()

	chunk.mu.Lock()
	defer chunk.mu.Unlock()
	if chunk.written {
		// Idempotent retry of a completed chunk.
		return s.snapshot(), nil
	}

	if err := e.writeAt(stagingPath, data, offset); err != nil {
		// One internal retry for transient failures, then pause the
		// session keeping accumulated data.
		if err2 := e.writeAt(stagingPath, data, offset); err2 != nil {
			return Session{}, trace.Wrap(e.pauseOnError(s, err2))
		}
	}

	s.mu.Lock()
	chunk.written = true
	s.meta.markChunk(index)
	s.meta.ReceivedBytes += int64(len(data))
	s.meta.LastActivity = e.cfg.Clock.Now().UTC()
	complete := s.meta.ReceivedBytes == s.meta.TotalSize && s.meta.allChunksWritten()
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return Session{}, trace.Wrap(err)
	}
	e.emitUpdate(&s.meta)
	s.mu.Unlock()

	if complete {
		if err := e.finalize(s); err != nil {
			return Session{}, trace.Wrap(err)
		}
	}
	return s.snapshot(), nil
}

// writeAt writes data at the chunk offset, returning the raw system error
// so that callers can classify ENOSPC.
func (e *Engine) writeAt(path string, data []byte, offset int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

// pauseOnError transitions the session to Paused with a recorded error,
// preserving accumulated data, and returns the coded error for the client.
func (e *Engine) pauseOnError(s *session, err error) error {
	code := httplib.CodeIOError
	status := http.StatusInternalServerError
	if errors.Is(err, syscall.ENOSPC) {
		code = httplib.CodeDiskFull
		status = http.StatusInsufficientStorage
	}
	s.mu.Lock()
	s.meta.State = Paused
	s.meta.LastError = code
	s.meta.LastActivity = e.cfg.Clock.Now().UTC()
	if persistErr := s.persistLocked(); persistErr != nil {
		e.log.WithError(persistErr).Warn("Failed to persist paused session.")
	}
	e.emitUpdate(&s.meta)
	s.mu.Unlock()

	e.log.WithError(err).WithField("transfer_id", s.meta.TransferID).Warn("Upload paused on write error.")
	return httplib.ErrorWithCode(status, code, err)
}

// failSession removes a session whose invariants were violated, deleting
// its staging data.
func (e *Engine) failSession(s *session, code string) {
	s.mu.Lock()
	s.meta.State = Cancelled
	s.meta.LastError = code
	id := s.meta.TransferID
	staging := s.meta.StagingPath
	metaPath := s.metaPath
	e.emitUpdate(&s.meta)
	s.mu.Unlock()

	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()

	if staging != "" {
		os.Remove(staging)
	}
	os.Remove(metaPath)
	e.log.WithFields(logrus.Fields{"transfer_id": id, "code": code}).Warn("Transfer session failed.")
}

// finalize fsyncs the staging file, resolves the conflict policy and
// atomically renames staging onto the target.
func (e *Engine) finalize(s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.State != Active {
		return httplib.Errorf(http.StatusGone, httplib.CodeTransferCancelled,
			"transfer session %q is %v", s.meta.TransferID, s.meta.State)
	}

	f, err := os.OpenFile(s.meta.StagingPath, os.O_RDWR, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return trace.ConvertSystemError(err)
	}
	f.Close()

	target, err := resolveConflict(s.meta.TargetPath, s.meta.Policy)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(s.meta.StagingPath, target); err != nil {
		return trace.ConvertSystemError(err)
	}

	s.meta.State = Completed
	s.meta.TargetPath = target
	os.Remove(s.metaPath)

	e.mu.Lock()
	delete(e.sessions, s.meta.TransferID)
	e.mu.Unlock()

	transfersCompleted.Inc()
	e.emitUpdate(&s.meta)
	e.log.WithFields(logrus.Fields{"transfer_id": s.meta.TransferID, "target": target}).Info("Upload completed.")
	return nil
}

// resolveConflict applies the conflict policy to an existing target.
func resolveConflict(target string, policy ConflictPolicy) (string, error) {
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return target, nil
	}
	switch policy {
	case Overwrite:
		return target, nil
	case Abort:
		return "", httplib.Errorf(http.StatusConflict, httplib.CodeConflictExists,
			"target %q already exists", target)
	case KeepBoth:
		ext := filepath.Ext(target)
		base := strings.TrimSuffix(target, ext)
		for i := 1; ; i++ {
			candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
			// O_EXCL reserves the name so concurrent finalizations
			// cannot pick the same suffix.
			f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err == nil {
				f.Close()
				return candidate, nil
			}
			if !os.IsExist(err) {
				return "", trace.ConvertSystemError(err)
			}
		}
	}
	return "", trace.BadParameter("unknown conflict policy %q", policy)
}

// Pause marks an upload paused. Subsequent chunk PUTs resume it.
func (e *Engine) Pause(ownerID, id string) (Session, error) {
	s, err := e.get(id)
	if err != nil {
		return Session{}, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkOwner(&s.meta, ownerID); err != nil {
		return Session{}, trace.Wrap(err)
	}
	if s.meta.State == Active {
		s.meta.State = Paused
		s.meta.LastActivity = e.cfg.Clock.Now().UTC()
		if err := s.persistLocked(); err != nil {
			return Session{}, trace.Wrap(err)
		}
		e.emitUpdate(&s.meta)
	}
	out := s.meta
	return out, nil
}

// Cancel removes an upload session and deletes its staging file.
func (e *Engine) Cancel(ownerID, id string) error {
	s, err := e.get(id)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	if err := checkOwner(&s.meta, ownerID); err != nil {
		s.mu.Unlock()
		return trace.Wrap(err)
	}
	s.meta.State = Cancelled
	staging := s.meta.StagingPath
	metaPath := s.metaPath
	e.emitUpdate(&s.meta)
	s.mu.Unlock()

	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()

	if staging != "" {
		os.Remove(staging)
	}
	os.Remove(metaPath)
	e.log.WithField("transfer_id", id).Info("Upload cancelled.")
	return nil
}

// Get returns a session snapshot.
func (e *Engine) Get(id string) (Session, error) {
	s, err := e.get(id)
	if err != nil {
		return Session{}, trace.Wrap(err)
	}
	return s.snapshot(), nil
}

// List returns snapshots of all catalogued sessions.
func (e *Engine) List() []Session {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// DirectUpload is the single-shot fast path: it streams body to a staging
// file and finalizes immediately. It does not support resumption.
func (e *Engine) DirectUpload(ownerID, targetPath string, body io.Reader, policy ConflictPolicy) (int64, error) {
	if err := policy.check(); err != nil {
		return 0, trace.Wrap(err)
	}
	resolved, err := ValidatePath(targetPath, e.cfg.Roots(), false)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	staging := filepath.Join(e.dir, uuid.NewString()+".direct")
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		os.Remove(staging)
		if errors.Is(err, syscall.ENOSPC) {
			return 0, httplib.ErrorWithCode(http.StatusInsufficientStorage, httplib.CodeDiskFull, err)
		}
		return 0, trace.ConvertSystemError(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staging)
		return 0, trace.ConvertSystemError(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return 0, trace.ConvertSystemError(err)
	}

	target, err := resolveConflict(resolved, policy)
	if err != nil {
		os.Remove(staging)
		return 0, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		os.Remove(staging)
		return 0, trace.ConvertSystemError(err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.Remove(staging)
		return 0, trace.ConvertSystemError(err)
	}

	transfersStarted.WithLabelValues(string(Upload)).Inc()
	transfersCompleted.Inc()
	e.log.WithFields(logrus.Fields{"target": target, "bytes": n, "owner": ownerID}).Info("Direct upload completed.")
	return n, nil
}

// CleanupStale transitions sessions whose last activity exceeds the
// threshold to Stale and removes them, returning per-direction counts. It
// backs both the periodic task and the operator-initiated call.
func (e *Engine) CleanupStale() (uploads, downloads int) {
	threshold := e.cfg.StaleThreshold()
	now := e.cfg.Clock.Now().UTC()

	e.mu.Lock()
	var stale []*session
	for id, s := range e.sessions {
		s.mu.Lock()
		if now.Sub(s.meta.LastActivity) > threshold {
			s.meta.State = Stale
			stale = append(stale, s)
			delete(e.sessions, id)
			if s.meta.Direction == Download {
				delete(e.downloadIndex, downloadKey(s.meta.OwnerDeviceID, s.meta.TargetPath))
			}
		}
		s.mu.Unlock()
	}
	e.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		if s.meta.Direction == Upload {
			uploads++
			if s.meta.StagingPath != "" {
				os.Remove(s.meta.StagingPath)
			}
		} else {
			downloads++
		}
		os.Remove(s.metaPath)
		e.emitUpdate(&s.meta)
		transfersCleaned.WithLabelValues(string(s.meta.Direction)).Inc()
		s.mu.Unlock()
	}
	if uploads+downloads > 0 {
		e.log.Infof("Cleaned up %d stale uploads and %d stale downloads.", uploads, downloads)
	}
	return uploads, downloads
}

// RunCleanup periodically scans for stale sessions until ctx is done.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := e.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.CleanupStale()
		}
	}
}
