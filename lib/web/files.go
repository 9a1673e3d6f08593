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

package web

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/BYTEDz/pclink/lib/httplib"
	"github.com/BYTEDz/pclink/lib/transfer"
)

type createUploadReq struct {
	TargetPath     string `json:"target_path"`
	TotalSize      int64  `json:"total_size"`
	ConflictPolicy string `json:"conflict_policy"`
}

func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	var req createUploadReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	policy := transfer.ConflictPolicy(req.ConflictPolicy)
	if policy == "" {
		policy = transfer.Abort
	}
	session, err := h.cfg.Engine.CreateUpload(ctx.OwnerID(), req.TargetPath, req.TotalSize, policy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"transfer_id": session.TransferID,
		"chunk_size":  session.ChunkSize,
	}, nil
}

// putFiles serves the catch-all PUT under /files/: chunk uploads arrive at
// /files/upload/{id}/{index}, everything else is the direct single-shot
// upload with the target path in the URL.
func (h *Handler) putFiles(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	rest := strings.TrimPrefix(p.ByName("filepath"), "/")
	if parts := strings.Split(rest, "/"); len(parts) == 3 && parts[0] == "upload" {
		index, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, trace.BadParameter("invalid chunk index %q", parts[2])
		}
		return h.writeChunk(w, r, ctx, parts[1], index)
	}
	return h.directUpload(w, r, ctx, "/"+rest)
}

func (h *Handler) writeChunk(w http.ResponseWriter, r *http.Request, ctx *AuthContext, id string, index int64) (interface{}, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	session, err := h.cfg.Engine.WriteChunk(ctx.OwnerID(), id, index, data)
	if err != nil {
		var paused *transfer.PausedError
		if errors.As(err, &paused) {
			// The session was paused: answer with the chunks the
			// server has so the client can resume without resending
			// them. The session is active again after this response.
			httplib.WriteJSON(w, http.StatusConflict, map[string]interface{}{
				"detail":      paused.Error(),
				"code":        httplib.CodeTransferPaused,
				"have_chunks": paused.HaveChunks,
			})
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"transfer_id":    session.TransferID,
		"state":          session.State,
		"received_bytes": session.ReceivedBytes,
		"total_size":     session.TotalSize,
	}, nil
}

func (h *Handler) directUpload(w http.ResponseWriter, r *http.Request, ctx *AuthContext, targetPath string) (interface{}, error) {
	policy := transfer.ConflictPolicy(r.URL.Query().Get("conflict_policy"))
	if policy == "" {
		policy = transfer.Abort
	}
	n, err := h.cfg.Engine.DirectUpload(ctx.OwnerID(), targetPath, r.Body, policy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"status": "completed",
		"bytes":  n,
	}, nil
}

func (h *Handler) pauseUpload(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	session, err := h.cfg.Engine.Pause(ctx.OwnerID(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"transfer_id": session.TransferID,
		"state":       session.State,
		"have_chunks": session.HaveChunks(),
	}, nil
}

func (h *Handler) cancelUpload(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	if err := h.cfg.Engine.Cancel(ctx.OwnerID(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "cancelled"}, nil
}

func (h *Handler) downloadFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	filePath := path.Clean("/" + strings.TrimPrefix(p.ByName("filepath"), "/"))
	if err := h.cfg.Engine.ServeDownload(w, r, ctx.OwnerID(), filePath); err != nil {
		return nil, trace.Wrap(err)
	}
	// The engine wrote the response body; returning nil keeps the
	// adapter from corrupting the download.
	return nil, nil
}

// streamFile serves media over the same Range-capable path, with the file
// selected by query parameter.
func (h *Handler) streamFile(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		return nil, trace.BadParameter("missing path parameter")
	}
	if err := h.cfg.Engine.ServeDownload(w, r, ctx.OwnerID(), filePath); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
