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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewSessionStore(clock)

	session, err := store.Create("10.0.0.2")
	require.NoError(t, err)
	require.Len(t, session.Token, 32)

	validated, err := store.Validate(session.Token, "10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, session.Token, validated.Token)

	// The session is bound to the origin address.
	_, err = store.Validate(session.Token, "10.0.0.3")
	require.Error(t, err)

	// Unknown tokens fail.
	_, err = store.Validate("deadbeefdeadbeefdeadbeefdeadbeef", "10.0.0.2")
	require.Error(t, err)
}

func TestSessionExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewSessionStore(clock)

	session, err := store.Create("10.0.0.2")
	require.NoError(t, err)

	clock.Advance(23 * time.Hour)
	_, err = store.Validate(session.Token, "10.0.0.2")
	require.NoError(t, err)

	// Referencing the session past expiry garbage-collects it.
	clock.Advance(2 * time.Hour)
	_, err = store.Validate(session.Token, "10.0.0.2")
	require.Error(t, err)
	_, err = store.Validate(session.Token, "10.0.0.2")
	require.Error(t, err)
}

func TestSessionDelete(t *testing.T) {
	store := NewSessionStore(clockwork.NewRealClock())
	session, err := store.Create("10.0.0.2")
	require.NoError(t, err)

	store.Delete(session.Token)
	_, err = store.Validate(session.Token, "10.0.0.2")
	require.Error(t, err)
}

func TestCookieShape(t *testing.T) {
	store := NewSessionStore(clockwork.NewRealClock())
	session, err := store.Create("10.0.0.2")
	require.NoError(t, err)

	cookie := store.Cookie(session)
	require.Equal(t, "pclink_session", cookie.Name)
	require.True(t, cookie.HttpOnly)
	require.True(t, cookie.Secure)

	cleared := store.ClearCookie()
	require.Equal(t, -1, cleared.MaxAge)
}
