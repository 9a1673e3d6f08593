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
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/BYTEDz/pclink/lib/hub"
)

func dialWS(t *testing.T, p *testPack, path, apiKey string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.srv.URL, "http") + path
	header := http.Header{}
	header.Set("X-API-Key", apiKey)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDeviceWebSocketPresence(t *testing.T) {
	p := newTestPack(t)
	serverKey := p.creds.APIKey()
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	// Operator listens first.
	operator := dialWS(t, p, "/ws/ui", serverKey)

	// Device connects: the operator stream carries device_connected.
	deviceConn := dialWS(t, p, "/ws", device.DeviceKey)

	operator.SetReadDeadline(time.Now().Add(5 * time.Second))
	var envelope hub.Envelope
	require.NoError(t, operator.ReadJSON(&envelope))
	require.Equal(t, hub.EventDeviceConnected, envelope.Type)
	require.Eventually(t, func() bool {
		return p.hub.IsConnected(device.ID)
	}, 5*time.Second, 10*time.Millisecond)

	// Closing the device socket announces device_disconnected.
	deviceConn.Close()
	operator.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, operator.ReadJSON(&envelope))
	require.Equal(t, hub.EventDeviceDisconnected, envelope.Type)
}

func TestWebSocketEventDelivery(t *testing.T) {
	p := newTestPack(t)
	device, err := p.registry.Approve("phone-A", "android", "127.0.0.1")
	require.NoError(t, err)

	conn := dialWS(t, p, "/ws", device.DeviceKey)

	p.hub.Publish(hub.Devices, hub.Envelope{
		Type:    hub.EventNotification,
		Payload: map[string]interface{}{"title": "hello"},
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var envelope hub.Envelope
	require.NoError(t, conn.ReadJSON(&envelope))
	require.Equal(t, hub.EventNotification, envelope.Type)
	require.False(t, envelope.ServerTime.IsZero())
}

func TestWebSocketRequiresCredential(t *testing.T) {
	p := newTestPack(t)
	url := "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
