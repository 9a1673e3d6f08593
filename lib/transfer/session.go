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
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/BYTEDz/pclink/lib/utils"
)

// Direction distinguishes uploads from downloads.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// State is the lifecycle state of a transfer session.
type State string

const (
	Active    State = "active"
	Paused    State = "paused"
	Completed State = "completed"
	Cancelled State = "cancelled"
	Stale     State = "stale"
)

// ConflictPolicy selects how finalization resolves an existing target.
type ConflictPolicy string

const (
	// Abort fails finalization when the target exists.
	Abort ConflictPolicy = "abort"
	// Overwrite replaces an existing target.
	Overwrite ConflictPolicy = "overwrite"
	// KeepBoth appends a numeric suffix chosen to avoid collisions.
	KeepBoth ConflictPolicy = "keep_both"
)

func (p ConflictPolicy) check() error {
	switch p {
	case Abort, Overwrite, KeepBoth:
		return nil
	}
	return trace.BadParameter("unknown conflict policy %q", p)
}

// Session is the durable metadata of one resumable transfer, persisted as
// transfers/<id>.meta next to its staging file.
type Session struct {
	TransferID    string         `json:"transfer_id"`
	Direction     Direction      `json:"direction"`
	OwnerDeviceID string         `json:"owner_device_id"`
	TargetPath    string         `json:"target_path"`
	StagingPath   string         `json:"staging_path,omitempty"`
	TotalSize     int64          `json:"total_size"`
	ChunkSize     int64          `json:"chunk_size"`
	ReceivedBytes int64          `json:"received_bytes"`
	SentBytes     int64          `json:"sent_bytes"`
	State         State          `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActivity  time.Time      `json:"last_activity"`
	Policy        ConflictPolicy `json:"conflict_policy"`
	// WrittenChunks is the bitmap of received chunk indexes, packed into
	// 64-bit words.
	WrittenChunks []uint64 `json:"written_chunks,omitempty"`
	// LastError records the failure that paused the session, if any.
	LastError string `json:"last_error,omitempty"`
}

// NumChunks returns how many chunks the session spans.
func (s *Session) NumChunks() int64 {
	if s.ChunkSize <= 0 {
		return 0
	}
	return (s.TotalSize + s.ChunkSize - 1) / s.ChunkSize
}

// chunkWritten reports whether the chunk index is marked in the bitmap.
func (s *Session) chunkWritten(index int64) bool {
	word := index / 64
	if word >= int64(len(s.WrittenChunks)) {
		return false
	}
	return s.WrittenChunks[word]&(1<<(uint(index)%64)) != 0
}

// markChunk sets the chunk index in the bitmap.
func (s *Session) markChunk(index int64) {
	word := index / 64
	for int64(len(s.WrittenChunks)) <= word {
		s.WrittenChunks = append(s.WrittenChunks, 0)
	}
	s.WrittenChunks[word] |= 1 << (uint(index) % 64)
}

// HaveChunks lists all chunk indexes marked written, used as resume
// metadata in transfer_paused responses.
func (s *Session) HaveChunks() []int64 {
	out := []int64{}
	for i := int64(0); i < s.NumChunks(); i++ {
		if s.chunkWritten(i) {
			out = append(out, i)
		}
	}
	return out
}

// allChunksWritten reports whether the full bitmap is populated.
func (s *Session) allChunksWritten() bool {
	for i := int64(0); i < s.NumChunks(); i++ {
		if !s.chunkWritten(i) {
			return false
		}
	}
	return true
}

// chunkRecord is the per-chunk write coordination object: its lock
// serializes concurrent PUTs of the same index, and the written flag makes
// retried PUTs idempotent.
type chunkRecord struct {
	mu      sync.Mutex
	written bool
}

// session pairs durable metadata with in-memory coordination state.
type session struct {
	// mu guards meta and persistence. Chunk payload writes are NOT
	// covered: they coordinate through the per-chunk records so distinct
	// indexes can write concurrently.
	mu     sync.Mutex
	meta   Session
	chunks []*chunkRecord
	// metaPath is where this session's catalog entry lives.
	metaPath string
}

func newChunkRecords(meta *Session) []*chunkRecord {
	records := make([]*chunkRecord, meta.NumChunks())
	for i := range records {
		records[i] = &chunkRecord{written: meta.chunkWritten(int64(i))}
	}
	return records
}

// persistLocked rewrites the catalog entry. Callers hold s.mu.
func (s *session) persistLocked() error {
	data, err := json.Marshal(s.meta)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.WriteFileAtomic(s.metaPath, data, 0o600))
}

// snapshot returns a copy of the metadata for handlers to serialize.
func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.meta
	out.WrittenChunks = append([]uint64(nil), s.meta.WrittenChunks...)
	return out
}
