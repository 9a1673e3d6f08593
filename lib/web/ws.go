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
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/hub"
	"github.com/BYTEDz/pclink/lib/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients pin the certificate fingerprint; the Origin header carries
	// no additional trust.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// deviceWebSocket serves the device event stream. An open device socket is
// the authoritative presence signal for the device.
func (h *Handler) deviceWebSocket(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	ownerID := registry.ServerOwner
	if ctx.Identity != nil && !ctx.Identity.Server {
		ownerID = ctx.Identity.DeviceID
	}
	return nil, trace.Wrap(h.serveWebSocket(w, r, hub.Devices, ownerID))
}

// operatorWebSocket serves the operator UI event stream.
func (h *Handler) operatorWebSocket(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	ownerID := registry.ServerOwner
	if ctx.Operator != nil {
		ownerID = ctx.Operator.Token
	}
	return nil, trace.Wrap(h.serveWebSocket(w, r, hub.Operators, ownerID))
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, class hub.Class, ownerID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return nil
	}
	defer conn.Close()

	sub, err := h.cfg.Hub.Subscribe(class, ownerID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer h.cfg.Hub.Unsubscribe(sub)

	log := h.log.WithFields(logrus.Fields{"owner": ownerID})
	log.Debug("Websocket subscriber connected.")

	// The read pump enforces the idle deadline: pongs and incoming
	// messages extend it. Its exit signals client disconnect.
	readDone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(defaults.WebSocketIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaults.WebSocketIdleTimeout))
	})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(defaults.WebSocketIdleTimeout))
		}
	}()

	pingTicker := time.NewTicker(defaults.WebSocketPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case envelope, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(envelope); err != nil {
				log.WithError(err).Debug("Websocket write failed.")
				return nil
			}
		case <-pingTicker.C:
			deadline := time.Now().Add(defaults.WebSocketPingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).Debug("Websocket ping failed.")
				return nil
			}
		case <-sub.Done():
			if sub.Reason() == hub.CloseSlowConsumer {
				deadline := time.Now().Add(time.Second)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(hub.CloseSlowConsumer)),
					deadline)
			}
			return nil
		case <-readDone:
			return nil
		case <-r.Context().Done():
			return nil
		}
	}
}
