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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/BYTEDz/pclink/lib/config"
	"github.com/BYTEDz/pclink/lib/credentials"
	"github.com/BYTEDz/pclink/lib/hub"
	"github.com/BYTEDz/pclink/lib/limiter"
	"github.com/BYTEDz/pclink/lib/pairing"
	"github.com/BYTEDz/pclink/lib/registry"
	"github.com/BYTEDz/pclink/lib/transfer"
)

// testPack assembles a fully wired handler over temporary state.
type testPack struct {
	srv       *httptest.Server
	config    *config.Store
	creds     *credentials.Store
	registry  *registry.Registry
	broker    *pairing.Broker
	hub       *hub.Hub
	engine    *transfer.Engine
	sessions  *SessionStore
	filesRoot string
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	dataDir := t.TempDir()
	filesRoot := t.TempDir()
	clock := clockwork.NewRealClock()

	configStore, err := config.Load(dataDir)
	require.NoError(t, err)

	eventHub, err := hub.New(hub.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(eventHub.Close)

	credStore, err := credentials.NewStore(credentials.StoreConfig{DataDir: dataDir, Clock: clock, Events: eventHub})
	require.NoError(t, err)
	_, err = credStore.LoadOrInit()
	require.NoError(t, err)

	deviceRegistry, err := registry.New(registry.Config{
		DataDir:   dataDir,
		ServerKey: credStore.APIKey,
		Events:    eventHub,
		Clock:     clock,
	})
	require.NoError(t, err)

	broker, err := pairing.New(pairing.Config{
		Approver: deviceRegistry,
		Events:   eventHub,
		Clock:    clock,
	})
	require.NoError(t, err)

	engine, err := transfer.NewEngine(transfer.Config{
		DataDir:        dataDir,
		Roots:          func() []string { return []string{filesRoot} },
		StaleThreshold: configStore.StaleTransferThreshold,
		Events:         eventHub,
		Clock:          clock,
		ChunkSize:      256,
	})
	require.NoError(t, err)

	sessions := NewSessionStore(clock)
	loginLimiter, err := limiter.New(limiter.Config{Limit: 5, Window: 15 * time.Minute})
	require.NoError(t, err)

	handler, err := NewHandler(HandlerConfig{
		Registry:     deviceRegistry,
		Broker:       broker,
		Hub:          eventHub,
		Credentials:  credStore,
		Config:       configStore,
		Engine:       engine,
		Sessions:     sessions,
		LoginLimiter: loginLimiter,
		Clock:        clock,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testPack{
		srv:       srv,
		config:    configStore,
		creds:     credStore,
		registry:  deviceRegistry,
		broker:    broker,
		hub:       eventHub,
		engine:    engine,
		sessions:  sessions,
		filesRoot: filesRoot,
	}
}

// do issues a request with an optional API key, returning the decoded JSON
// body as a map.
func (p *testPack) do(t *testing.T, method, path, apiKey string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, p.srv.URL+path, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	}
	return resp.StatusCode, out
}

func TestStatusIsPublic(t *testing.T) {
	p := newTestPack(t)
	code, body := p.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, false, body["setup_complete"])
}

func TestAuthIntegrity(t *testing.T) {
	p := newTestPack(t)

	// No credential.
	code, body := p.do(t, http.MethodGet, "/devices", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "missing_credential", body["code"])

	// Unknown credential.
	code, body = p.do(t, http.MethodGet, "/devices", "deadbeefdeadbeefdeadbeefdeadbeef", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid_credential", body["code"])

	// No device was persisted by the failed attempts.
	require.Zero(t, p.registry.Len())
}

func TestQRPayloadGatedOnSetup(t *testing.T) {
	p := newTestPack(t)

	code, _ := p.do(t, http.MethodGet, "/qr-payload", "", nil)
	require.Equal(t, http.StatusNotFound, code)

	require.NoError(t, p.config.SetPassword("operator-password"))
	code, body := p.do(t, http.MethodGet, "/qr-payload", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, p.creds.APIKey(), body["apiKey"])
	require.Equal(t, "https", body["protocol"])
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), body["certFingerprint"])
}

func TestOperatorLoginFlow(t *testing.T) {
	p := newTestPack(t)
	require.NoError(t, p.config.SetPassword("operator-password"))

	// Wrong password.
	code, body := p.do(t, http.MethodPost, "/auth/login", "", map[string]string{"password": "nope"})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid_credential", body["code"])

	// Correct password yields a session cookie bound to this client.
	data, _ := json.Marshal(map[string]string{"password": "operator-password"})
	resp, err := p.srv.Client().Post(p.srv.URL+"/auth/login", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "pclink_session" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	// The cookie authenticates operator endpoints.
	req, err := http.NewRequest(http.MethodGet, p.srv.URL+"/auth/check", nil)
	require.NoError(t, err)
	req.AddCookie(sessionCookie)
	resp, err = p.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginRateLimit(t *testing.T) {
	p := newTestPack(t)
	require.NoError(t, p.config.SetPassword("operator-password"))

	for i := 0; i < 5; i++ {
		code, _ := p.do(t, http.MethodPost, "/auth/login", "", map[string]string{"password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, code)
	}
	// The sixth attempt is rejected before password verification, even
	// with the correct password.
	code, body := p.do(t, http.MethodPost, "/auth/login", "", map[string]string{"password": "operator-password"})
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "rate_limited", body["code"])
}

func TestCleanPairing(t *testing.T) {
	p := newTestPack(t)
	require.NoError(t, p.config.SetPassword("operator-password"))
	serverKey := p.creds.APIKey()

	type result struct {
		code int
		body map[string]interface{}
	}
	resultCh := make(chan result, 1)
	go func() {
		code, body := p.do(t, http.MethodPost, "/pairing/request", "",
			map[string]string{"device_name": "phone-A", "platform": "android"})
		resultCh <- result{code: code, body: body}
	}()

	// The operator (using the server key) sees the pending ticket and
	// approves it.
	var pairingID string
	require.Eventually(t, func() bool {
		pending := p.broker.Pending()
		if len(pending) != 1 {
			return false
		}
		pairingID = pending[0].PairingID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	code, body := p.do(t, http.MethodPost, "/pairing/approve", serverKey,
		map[string]string{"pairing_id": pairingID})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "approved", body["decision"])

	out := <-resultCh
	require.Equal(t, http.StatusOK, out.code)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), out.body["api_key"])
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), out.body["cert_fingerprint"])

	// The device shows up in the operator's list by name. The list is a
	// JSON array, so it is decoded here rather than through p.do.
	req, err := http.NewRequest(http.MethodGet, p.srv.URL+"/devices", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", serverKey)
	resp, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	require.Equal(t, "phone-A", listed[0]["name"])
	devices := p.registry.List()
	require.Len(t, devices, 1)
	require.Equal(t, "phone-A", devices[0].Name)
}

func TestDeniedPairing(t *testing.T) {
	p := newTestPack(t)
	require.NoError(t, p.config.SetPassword("operator-password"))
	serverKey := p.creds.APIKey()

	type result struct {
		code int
		body map[string]interface{}
	}
	resultCh := make(chan result, 1)
	go func() {
		code, body := p.do(t, http.MethodPost, "/pairing/request", "",
			map[string]string{"device_name": "phone-A", "platform": "android"})
		resultCh <- result{code: code, body: body}
	}()

	var pairingID string
	require.Eventually(t, func() bool {
		pending := p.broker.Pending()
		if len(pending) != 1 {
			return false
		}
		pairingID = pending[0].PairingID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	code, _ := p.do(t, http.MethodPost, "/pairing/deny", serverKey,
		map[string]string{"pairing_id": pairingID})
	require.Equal(t, http.StatusOK, code)

	out := <-resultCh
	require.Equal(t, http.StatusForbidden, out.code)
	require.Equal(t, "pairing_denied", out.body["code"])
	require.Zero(t, p.registry.Len())
}

func TestServiceToggleDisabled(t *testing.T) {
	p := newTestPack(t)
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, p.config.SetToggle(config.ToggleFileBrowser, false))
	code, body := p.do(t, http.MethodPost, "/files/upload", device.DeviceKey,
		map[string]interface{}{"target_path": filepath.Join(p.filesRoot, "x.bin"), "total_size": 10})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "service_disabled", body["code"])
}

func TestRevocationLiveness(t *testing.T) {
	p := newTestPack(t)
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	code, _ := p.do(t, http.MethodPost, "/files/upload", device.DeviceKey,
		map[string]interface{}{"target_path": filepath.Join(p.filesRoot, "a.bin"), "total_size": 10})
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, p.registry.Revoke(device.ID))

	// Every subsequent request classifies as revoked and mutates nothing.
	before := len(p.engine.List())
	code, body := p.do(t, http.MethodPost, "/files/upload", device.DeviceKey,
		map[string]interface{}{"target_path": filepath.Join(p.filesRoot, "b.bin"), "total_size": 10})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "revoked_credential", body["code"])
	require.Equal(t, before, len(p.engine.List()))
}

func TestChunkedUploadOverHTTP(t *testing.T) {
	p := newTestPack(t)
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	source := make([]byte, 600)
	for i := range source {
		source[i] = byte(i % 251)
	}
	target := filepath.Join(p.filesRoot, "uploaded.bin")

	code, body := p.do(t, http.MethodPost, "/files/upload", device.DeviceKey,
		map[string]interface{}{"target_path": target, "total_size": len(source), "conflict_policy": "abort"})
	require.Equal(t, http.StatusOK, code)
	transferID := body["transfer_id"].(string)
	chunkSize := int64(body["chunk_size"].(float64))
	require.Equal(t, int64(256), chunkSize)

	for index := int64(0); index*chunkSize < int64(len(source)); index++ {
		end := (index + 1) * chunkSize
		if end > int64(len(source)) {
			end = int64(len(source))
		}
		url := fmt.Sprintf("%s/files/upload/%s/%d", p.srv.URL, transferID, index)
		req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(source[index*chunkSize:end]))
		require.NoError(t, err)
		req.Header.Set("X-API-Key", device.DeviceKey)
		resp, err := p.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, source, written)
}

func TestDirectUploadOverHTTP(t *testing.T) {
	p := newTestPack(t)
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	target := filepath.Join(p.filesRoot, "direct.txt")
	req, err := http.NewRequest(http.MethodPut, p.srv.URL+"/files"+target, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", device.DeviceKey)
	resp, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hello", string(written))
}

func TestDownloadOverHTTP(t *testing.T) {
	p := newTestPack(t)
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	source := make([]byte, 10000)
	for i := range source {
		source[i] = byte(i % 247)
	}
	path := filepath.Join(p.filesRoot, "data.bin")
	require.NoError(t, os.WriteFile(path, source, 0o600))

	req, err := http.NewRequest(http.MethodGet, p.srv.URL+"/files/download"+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", device.DeviceKey)
	req.Header.Set("Range", "bytes=100-199")
	resp, err := p.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "bytes 100-199/10000", resp.Header.Get("Content-Range"))
	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, source[100:200], bodyBytes)
}

func TestOperatorOnlyEndpointsRejectDevices(t *testing.T) {
	p := newTestPack(t)
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	code, body := p.do(t, http.MethodGet, "/devices", device.DeviceKey, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "access_denied", body["code"])
}

func TestCleanupEndpoints(t *testing.T) {
	p := newTestPack(t)
	serverKey := p.creds.APIKey()

	code, body := p.do(t, http.MethodPost, "/transfers/cleanup/execute", serverKey, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(0), body["cleaned_uploads"])
	require.Equal(t, float64(0), body["cleaned_downloads"])

	code, body = p.do(t, http.MethodGet, "/transfers/cleanup/status", serverKey, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(7), body["threshold_days"])
}
