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
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/utils"
)

// OperatorSession backs the browser session cookie of the local operator.
type OperatorSession struct {
	// Token is the opaque cookie value.
	Token string
	// BoundIP must match the request origin for the session to be valid.
	BoundIP   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore holds operator sessions in memory. It is owned by the
// process supervisor rather than the listener, so a listener restart does
// not invalidate operator cookies.
type SessionStore struct {
	clock clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*OperatorSession
}

// NewSessionStore creates an operator session store.
func NewSessionStore(clock clockwork.Clock) *SessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionStore{
		clock:    clock,
		sessions: map[string]*OperatorSession{},
	}
}

// Create mints a session bound to the client IP and returns it.
func (s *SessionStore) Create(clientIP string) (*OperatorSession, error) {
	token, err := utils.CryptoRandomHex(defaults.APIKeyBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	session := &OperatorSession{
		Token:     token,
		BoundIP:   clientIP,
		CreatedAt: now,
		ExpiresAt: now.Add(defaults.OperatorSessionTTL),
	}
	s.mu.Lock()
	s.sessions[token] = session
	s.mu.Unlock()
	out := *session
	return &out, nil
}

// Validate checks the token and origin IP, garbage-collecting the session
// opportunistically when it is referenced past expiry.
func (s *SessionStore) Validate(token, clientIP string) (*OperatorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched *OperatorSession
	for stored, session := range s.sessions {
		if subtle.ConstantTimeCompare([]byte(token), []byte(stored)) == 1 {
			matched = session
		}
	}
	if matched == nil {
		return nil, trace.AccessDenied("invalid session")
	}
	if s.clock.Now().UTC().After(matched.ExpiresAt) {
		delete(s.sessions, matched.Token)
		return nil, trace.AccessDenied("session expired")
	}
	if matched.BoundIP != clientIP {
		return nil, trace.AccessDenied("session is bound to a different address")
	}
	out := *matched
	return &out, nil
}

// Delete removes a session.
func (s *SessionStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// Cookie renders the session as an HTTP-only cookie.
func (s *SessionStore) Cookie(session *OperatorSession) *http.Cookie {
	return &http.Cookie{
		Name:     pclink.SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  session.ExpiresAt,
	}
}

// ClearCookie renders an expired cookie for logout responses.
func (s *SessionStore) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     pclink.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	}
}
