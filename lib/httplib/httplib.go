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

// Package httplib implements the common request handling plumbing: the
// handler adapter converting (value, error) pairs into JSON responses,
// typed error codes and request id correlation.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
)

// HandlerFunc is the signature all route handlers implement. The returned
// value is marshaled to JSON unless it is nil, in which case the handler is
// assumed to have written the response body itself.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler adapts a HandlerFunc into an httprouter.Handle, centralizing
// JSON encoding and error conversion.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if out != nil {
			WriteJSON(w, http.StatusOK, out)
		}
	}
}

// ErrorResponse is the wire shape of every non-2xx JSON response.
type ErrorResponse struct {
	// Detail is the human-readable message.
	Detail string `json:"detail"`
	// Code is the stable machine-readable classification.
	Code string `json:"code"`
	// IncidentID correlates opaque internal failures with log entries.
	IncidentID string `json:"incident_id,omitempty"`
}

// codedError attaches an explicit HTTP status and wire code to an error.
type codedError struct {
	status int
	code   string
	err    error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// ErrorWithCode wraps err with an explicit status and machine-readable code,
// overriding the default trace classification.
func ErrorWithCode(status int, code string, err error) error {
	return &codedError{status: status, code: code, err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(status int, code string, format string, args ...interface{}) error {
	return &codedError{status: status, code: code, err: trace.Errorf(format, args...)}
}

// statusAndCode classifies err into an HTTP status and wire code.
func statusAndCode(err error) (int, string) {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.status, coded.code
	}
	switch {
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, CodeBadParameter
	case trace.IsAccessDenied(err):
		return http.StatusForbidden, CodeAccessDenied
	case trace.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case trace.IsAlreadyExists(err) || trace.IsCompareFailed(err):
		return http.StatusConflict, CodeConflictExists
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, CodeRateLimited
	}
	return http.StatusInternalServerError, CodeInternalError
}

// WriteError converts err into the {detail, code} JSON error body. Internal
// failures are masked behind an incident id which is also logged.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusAndCode(err)
	resp := ErrorResponse{
		Detail: trace.UserMessage(err),
		Code:   code,
	}
	entry := log.WithFields(log.Fields{
		trace.Component: pclink.ComponentWeb,
		"request_id":    RequestID(r.Context()),
		"method":        r.Method,
		"path":          r.URL.Path,
		"code":          code,
	})
	if status >= http.StatusInternalServerError {
		resp.IncidentID = uuid.NewString()
		resp.Detail = "internal server error"
		entry.WithField("incident_id", resp.IncidentID).WithError(err).Error("Request failed.")
	} else {
		entry.WithError(err).Warn("Request rejected.")
	}
	WriteJSON(w, status, resp)
}

// WriteJSON writes v as a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response body.")
	}
}

// ReadJSON decodes a size-capped JSON request body into v.
func ReadJSON(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxJSONBodyBytes))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// SetNoCacheHeaders disables client and proxy caching for the response.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

type contextKey string

const requestIDKey contextKey = "pclink.request.id"

// WithRequestID wraps next so that every request carries a correlation id
// in its context and response headers.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(pclink.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(pclink.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the correlation id attached by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
