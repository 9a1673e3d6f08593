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

// Package web implements the authenticated HTTP surface of the PCLink
// server: the request router, the auth middleware, the operator session
// store and the websocket endpoints feeding off the session hub.
package web

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/config"
	"github.com/BYTEDz/pclink/lib/credentials"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/hostcap"
	"github.com/BYTEDz/pclink/lib/httplib"
	"github.com/BYTEDz/pclink/lib/hub"
	"github.com/BYTEDz/pclink/lib/limiter"
	"github.com/BYTEDz/pclink/lib/pairing"
	"github.com/BYTEDz/pclink/lib/registry"
	"github.com/BYTEDz/pclink/lib/transfer"
	"github.com/BYTEDz/pclink/lib/utils"
)

// Version is reported by the status endpoint.
const Version = "2.0.0"

// Lifecycle is implemented by the process supervisor; the handler only
// forwards operator lifecycle requests to it.
type Lifecycle interface {
	// StartServer activates the mobile API if it was stopped.
	StartServer() error
	// StopServer deactivates the mobile API; the operator UI stays up.
	StopServer() error
	// RestartServer stops and starts the listener with the same
	// configuration, preserving operator sessions.
	RestartServer() error
	// ShutdownProcess terminates the whole daemon.
	ShutdownProcess() error
}

// HandlerConfig wires the handler to the stores it fronts.
type HandlerConfig struct {
	Registry    *registry.Registry
	Broker      *pairing.Broker
	Hub         *hub.Hub
	Credentials *credentials.Store
	Config      *config.Store
	Engine      *transfer.Engine
	Sessions    *SessionStore
	HostCaps    *hostcap.Registry
	Lifecycle   Lifecycle
	// LoginLimiter throttles failed operator logins per source IP.
	LoginLimiter *limiter.Limiter
	// ListenPort reports the live listening port for the status and QR
	// payloads.
	ListenPort func() int
	Clock      clockwork.Clock
}

// CheckAndSetDefaults validates the configuration.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Hub == nil {
		return trace.BadParameter("missing parameter Hub")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.Config == nil {
		return trace.BadParameter("missing parameter Config")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Sessions == nil {
		c.Sessions = NewSessionStore(c.Clock)
	}
	if c.HostCaps == nil {
		c.HostCaps = hostcap.NewRegistry()
	}
	if c.LoginLimiter == nil {
		var err error
		c.LoginLimiter, err = limiter.New(limiter.Config{
			Limit:    defaults.LoginAttemptLimit,
			Window:   defaults.LoginAttemptWindow,
			Capacity: defaults.LimiterCapacity,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if c.ListenPort == nil {
		port := c.Config.Port()
		c.ListenPort = func() int { return port }
	}
	return nil
}

// Handler is the PCLink web API handler.
type Handler struct {
	httprouter.Router
	cfg HandlerConfig
	log *logrus.Entry
}

// NewHandler builds the router with the middleware chain: request id
// injection, rate limiting on the login path, auth, service toggle check,
// then the handler.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentWeb}),
	}
	h.Router = *httprouter.New()

	// Public surface.
	h.GET("/status", h.withAuth(authPublic, "", h.status))
	h.GET("/qr-payload", h.withAuth(authPublic, "", h.qrPayload))
	h.POST("/pairing/request", h.withAuth(authPublic, "", h.pairingRequest))

	// Operator pairing decisions and device management.
	h.POST("/pairing/approve", h.withAuth(authOperator, "", h.pairingApprove))
	h.POST("/pairing/deny", h.withAuth(authOperator, "", h.pairingDeny))
	h.GET("/pairing/pending", h.withAuth(authOperator, "", h.pairingPending))
	h.GET("/devices", h.withAuth(authOperator, "", h.listDevices))
	h.POST("/devices/revoke", h.withAuth(authOperator, "", h.revokeDevice))
	h.POST("/devices/remove-all", h.withAuth(authOperator, "", h.revokeAllDevices))

	// Operator password lifecycle.
	h.POST("/auth/setup", h.withAuth(authPublic, "", h.authSetup))
	h.POST("/auth/login", h.withAuth(authPublic, "", h.authLogin))
	h.POST("/auth/logout", h.withAuth(authOperator, "", h.authLogout))
	h.POST("/auth/change-password", h.withAuth(authOperator, "", h.authChangePassword))
	h.GET("/auth/status", h.withAuth(authPublic, "", h.authStatus))
	h.GET("/auth/check", h.withAuth(authOperator, "", h.authCheck))

	// File transfer. The catch-all PUT also carries chunk uploads, see
	// putFiles.
	h.POST("/files/upload", h.withAuth(authDevice, config.ToggleFileBrowser, h.createUpload))
	h.POST("/files/upload/:id/pause", h.withAuth(authDevice, config.ToggleFileBrowser, h.pauseUpload))
	h.DELETE("/files/upload/:id", h.withAuth(authDevice, config.ToggleFileBrowser, h.cancelUpload))
	h.PUT("/files/*filepath", h.withAuth(authDevice, config.ToggleFileBrowser, h.putFiles))
	h.GET("/files/download/*filepath", h.withAuth(authDevice, config.ToggleFileBrowser, h.downloadFile))
	h.GET("/files/stream", h.withAuth(authDevice, config.ToggleMedia, h.streamFile))

	// Event streams.
	h.GET("/ws", h.withAuth(authDevice, "", h.deviceWebSocket))
	h.GET("/ws/ui", h.withAuth(authOperator, "", h.operatorWebSocket))

	// Host capabilities.
	h.POST("/capability/:name", h.withAuth(authDevice, "", h.invokeCapability))

	// Lifecycle and maintenance.
	h.POST("/server/start", h.withAuth(authOperator, "", h.serverStart))
	h.POST("/server/stop", h.withAuth(authOperator, "", h.serverStop))
	h.POST("/server/restart", h.withAuth(authOperator, "", h.serverRestart))
	h.POST("/server/shutdown", h.withAuth(authOperator, "", h.serverShutdown))
	h.POST("/server/rotate-key", h.withAuth(authOperator, "", h.rotateAPIKey))
	h.GET("/transfers/cleanup/status", h.withAuth(authOperator, "", h.cleanupStatus))
	h.PATCH("/transfers/cleanup/config", h.withAuth(authOperator, "", h.cleanupConfig))
	h.POST("/transfers/cleanup/execute", h.withAuth(authOperator, "", h.cleanupExecute))

	return httplib.WithRequestID(h), nil
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	httplib.SetNoCacheHeaders(w.Header())
	return map[string]interface{}{
		"status":            "ok",
		"version":           Version,
		"setup_complete":    h.cfg.Config.SetupComplete(),
		"port":              h.cfg.ListenPort(),
		"features":          h.cfg.Config.Toggles(),
		"connected_devices": len(h.cfg.Hub.ConnectedDevices()),
		"extensions_path":   os.Getenv(pclink.ExtensionsPathEnvVar),
	}, nil
}

func (h *Handler) qrPayload(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	if !h.cfg.Config.SetupComplete() {
		return nil, trace.NotFound("server setup is not complete")
	}
	fingerprint, err := h.cfg.Credentials.Fingerprint()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ip := ""
	if ips, err := utils.LocalIPs(); err == nil && len(ips) > 0 {
		ip = ips[0].String()
	}
	httplib.SetNoCacheHeaders(w.Header())
	return map[string]interface{}{
		"ip":              ip,
		"port":            h.cfg.ListenPort(),
		"protocol":        "https",
		"apiKey":          h.cfg.Credentials.APIKey(),
		"certFingerprint": fingerprint,
	}, nil
}

type pairingRequestReq struct {
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

func (h *Handler) pairingRequest(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	if !h.cfg.Config.SetupComplete() {
		return nil, trace.NotFound("server setup is not complete")
	}
	var req pairingRequestReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	clientIP := utils.ClientIP(r.RemoteAddr)

	result, err := h.cfg.Broker.Request(r.Context(), req.DeviceName, req.Platform, clientIP)
	switch {
	case err == nil:
	case errors.Is(err, pairing.ErrDenied):
		return nil, httplib.ErrorWithCode(http.StatusForbidden, httplib.CodePairingDenied, err)
	case errors.Is(err, pairing.ErrTimeout):
		return nil, httplib.ErrorWithCode(http.StatusRequestTimeout, httplib.CodePairingTimeout, err)
	case trace.IsBadParameter(err):
		return nil, httplib.ErrorWithCode(http.StatusBadRequest, httplib.CodePairingInvalidName, err)
	default:
		return nil, trace.Wrap(err)
	}

	fingerprint, err := h.cfg.Credentials.Fingerprint()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"api_key":          result.DeviceKey,
		"cert_fingerprint": fingerprint,
	}, nil
}

type pairingDecisionReq struct {
	PairingID string `json:"pairing_id"`
}

func (h *Handler) pairingApprove(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return h.decidePairing(r, true)
}

func (h *Handler) pairingDeny(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return h.decidePairing(r, false)
}

func (h *Handler) decidePairing(r *http.Request, approve bool) (interface{}, error) {
	var req pairingDecisionReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.PairingID == "" {
		return nil, trace.BadParameter("missing pairing_id")
	}
	decision, err := h.cfg.Broker.Decide(req.PairingID, approve)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"decision": string(decision)}, nil
}

func (h *Handler) pairingPending(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return h.cfg.Broker.Pending(), nil
}

// deviceView is the device list entry; it never exposes the device key.
type deviceView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Platform   string    `json:"platform"`
	IP         string    `json:"ip"`
	ApprovedAt time.Time `json:"approved_at"`
	LastSeen   time.Time `json:"last_seen"`
	Connected  bool      `json:"connected"`
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	devices := h.cfg.Registry.List()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{
			ID:         d.ID,
			Name:       d.Name,
			Platform:   d.Platform,
			IP:         d.IP,
			ApprovedAt: d.ApprovedAt,
			LastSeen:   d.LastSeen,
			Connected:  h.cfg.Hub.IsConnected(d.ID),
		})
	}
	return out, nil
}

type revokeDeviceReq struct {
	DeviceID string `json:"device_id"`
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	var req revokeDeviceReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.Revoke(req.DeviceID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "revoked"}, nil
}

func (h *Handler) revokeAllDevices(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	if err := h.cfg.Registry.RevokeAll(); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "revoked"}, nil
}

type passwordReq struct {
	Password string `json:"password"`
}

func (h *Handler) authSetup(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	if h.cfg.Config.SetupComplete() {
		return nil, trace.AlreadyExists("setup has already been completed")
	}
	var req passwordReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Config.SetPassword(req.Password); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Sessions.Create(utils.ClientIP(r.RemoteAddr))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	http.SetCookie(w, h.cfg.Sessions.Cookie(session))
	h.cfg.Hub.EmitServerStatus("setup_complete")
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) authLogin(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	clientIP := utils.ClientIP(r.RemoteAddr)
	if err := h.cfg.LoginLimiter.Check(clientIP); err != nil {
		return nil, trace.Wrap(err)
	}
	var req passwordReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Config.CheckPassword(req.Password); err != nil {
		// Only failed attempts count against the limit.
		h.cfg.LoginLimiter.Record(clientIP)
		return nil, httplib.ErrorWithCode(http.StatusUnauthorized, httplib.CodeInvalidCredential, err)
	}
	session, err := h.cfg.Sessions.Create(clientIP)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	http.SetCookie(w, h.cfg.Sessions.Cookie(session))
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) authLogout(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	if ctx.Operator != nil {
		h.cfg.Sessions.Delete(ctx.Operator.Token)
	}
	http.SetCookie(w, h.cfg.Sessions.ClearCookie())
	return map[string]string{"status": "ok"}, nil
}

type changePasswordReq struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) authChangePassword(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	var req changePasswordReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Config.CheckPassword(req.OldPassword); err != nil {
		return nil, httplib.ErrorWithCode(http.StatusUnauthorized, httplib.CodeInvalidCredential, err)
	}
	if err := h.cfg.Config.SetPassword(req.NewPassword); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) authStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	authenticated := false
	if cookie, err := r.Cookie(pclink.SessionCookieName); err == nil {
		if _, err := h.cfg.Sessions.Validate(cookie.Value, utils.ClientIP(r.RemoteAddr)); err == nil {
			authenticated = true
		}
	}
	return map[string]interface{}{
		"setup_complete": h.cfg.Config.SetupComplete(),
		"authenticated":  authenticated,
	}, nil
}

func (h *Handler) authCheck(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}

type capabilityReq struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
	// Data is base64-encoded binary input.
	Data string `json:"data,omitempty"`
}

func (h *Handler) invokeCapability(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	name := hostcap.Name(p.ByName("name"))
	// Capability groups are gated by the toggle of the same name.
	if !h.cfg.Config.Toggle(string(name)) {
		return nil, httplib.Errorf(http.StatusForbidden, httplib.CodeServiceDisabled,
			"the %q service is disabled on this host", name)
	}
	var req capabilityReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	var data []byte
	if req.Data != "" {
		var err error
		data, err = base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return nil, trace.BadParameter("invalid base64 data: %v", err)
		}
	}
	callCtx, cancel := context.WithTimeout(r.Context(), hostcap.DefaultTimeout)
	defer cancel()
	resp, err := h.cfg.HostCaps.Invoke(callCtx, name, hostcap.Request{
		Action: req.Action,
		Args:   req.Args,
		Data:   data,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := map[string]string{}
	if resp != nil && len(resp.Data) > 0 {
		out["data"] = base64.StdEncoding.EncodeToString(resp.Data)
		out["content_type"] = resp.ContentType
	}
	return out, nil
}

func (h *Handler) serverStart(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return h.lifecycle(func(l Lifecycle) error { return l.StartServer() })
}

func (h *Handler) serverStop(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return h.lifecycle(func(l Lifecycle) error { return l.StopServer() })
}

func (h *Handler) serverRestart(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return h.lifecycle(func(l Lifecycle) error { return l.RestartServer() })
}

func (h *Handler) serverShutdown(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	return h.lifecycle(func(l Lifecycle) error { return l.ShutdownProcess() })
}

func (h *Handler) lifecycle(op func(Lifecycle) error) (interface{}, error) {
	if h.cfg.Lifecycle == nil {
		return nil, trace.NotImplemented("lifecycle control is not available")
	}
	if err := op(h.cfg.Lifecycle); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) rotateAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	if _, err := h.cfg.Credentials.RotateAPIKey(); err != nil {
		return nil, trace.Wrap(err)
	}
	// Rotation invalidates all outstanding device keys by policy.
	if err := h.cfg.Registry.RevokeAll(); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "rotated"}, nil
}

func (h *Handler) cleanupStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	sessions := h.cfg.Engine.List()
	threshold := h.cfg.Config.StaleTransferThreshold()
	stale := 0
	now := h.cfg.Clock.Now().UTC()
	for _, s := range sessions {
		if now.Sub(s.LastActivity) > threshold {
			stale++
		}
	}
	return map[string]interface{}{
		"sessions":       len(sessions),
		"stale_sessions": stale,
		"threshold_days": int(threshold / (24 * time.Hour)),
	}, nil
}

type cleanupConfigReq struct {
	ThresholdDays int `json:"threshold_days"`
}

func (h *Handler) cleanupConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	var req cleanupConfigReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Config.SetStaleTransferThreshold(time.Duration(req.ThresholdDays) * 24 * time.Hour); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]int{"threshold_days": req.ThresholdDays}, nil
}

func (h *Handler) cleanupExecute(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error) {
	uploads, downloads := h.cfg.Engine.CleanupStale()
	return map[string]int{
		"cleaned_uploads":   uploads,
		"cleaned_downloads": downloads,
	}, nil
}
