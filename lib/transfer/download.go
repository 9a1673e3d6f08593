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
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// countingReadSeeker counts bytes handed to the response writer so the
// download session can track sent_bytes.
type countingReadSeeker struct {
	io.ReadSeeker
	n int64
}

func (c *countingReadSeeker) Read(p []byte) (int, error) {
	n, err := c.ReadSeeker.Read(p)
	atomic.AddInt64(&c.n, int64(n))
	return n, err
}

// ServeDownload serves a file with native Range support: 206 with
// Content-Range for partial requests, 200 otherwise, 416 for unsatisfiable
// ranges. Streaming media rides the same path; the content type is sniffed
// from the file extension.
func (e *Engine) ServeDownload(w http.ResponseWriter, r *http.Request, ownerID, path string) error {
	resolved, err := ValidatePath(path, e.cfg.Roots(), false)
	if err != nil {
		return trace.Wrap(err)
	}
	f, err := os.Open(resolved)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if fi.IsDir() {
		return trace.BadParameter("path %q is a directory", path)
	}

	s := e.downloadSession(ownerID, resolved, fi.Size())

	contentType := mime.TypeByExtension(filepath.Ext(resolved))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	counter := &countingReadSeeker{ReadSeeker: f}
	http.ServeContent(w, r, filepath.Base(resolved), fi.ModTime(), counter)

	e.recordDownloadProgress(s, atomic.LoadInt64(&counter.n))
	return nil
}

// downloadSession finds the existing session for (owner, path) or creates
// one on the first request for a file.
func (e *Engine) downloadSession(ownerID, path string, size int64) *session {
	key := downloadKey(ownerID, path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.downloadIndex[key]; ok {
		if s, ok := e.sessions[id]; ok {
			return s
		}
	}
	id := uuid.NewString()
	now := e.cfg.Clock.Now().UTC()
	s := &session{
		meta: Session{
			TransferID:    id,
			Direction:     Download,
			OwnerDeviceID: ownerID,
			TargetPath:    path,
			TotalSize:     size,
			State:         Active,
			CreatedAt:     now,
			LastActivity:  now,
		},
		metaPath: filepath.Join(e.dir, id+".meta"),
	}
	if err := s.persistLocked(); err != nil {
		e.log.WithError(err).Warn("Failed to persist download session.")
	}
	e.sessions[id] = s
	e.downloadIndex[key] = id
	transfersStarted.WithLabelValues(string(Download)).Inc()
	return s
}

// recordDownloadProgress accumulates sent bytes and retires the session
// once the last byte went out. Disconnected clients leave the session in
// place until the stale cleanup collects it.
func (e *Engine) recordDownloadProgress(s *session, sent int64) {
	s.mu.Lock()
	s.meta.SentBytes += sent
	s.meta.LastActivity = e.cfg.Clock.Now().UTC()
	done := s.meta.SentBytes >= s.meta.TotalSize
	if done {
		s.meta.State = Completed
		os.Remove(s.metaPath)
	} else if err := s.persistLocked(); err != nil {
		e.log.WithError(err).Warn("Failed to persist download progress.")
	}
	e.emitUpdate(&s.meta)
	id := s.meta.TransferID
	key := downloadKey(s.meta.OwnerDeviceID, s.meta.TargetPath)
	s.mu.Unlock()

	if done {
		e.mu.Lock()
		delete(e.sessions, id)
		delete(e.downloadIndex, key)
		e.mu.Unlock()
	}
}
