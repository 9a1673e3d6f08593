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

// Package client implements the control-plane HTTP client the pclink CLI
// uses to talk to a running daemon on the same host.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/BYTEDz/pclink/lib/defaults"
)

// Config configures a Client.
type Config struct {
	// Addr is the daemon address, e.g. "127.0.0.1:38080".
	Addr string
	// APIKey is the server API key read from the data directory.
	APIKey string
	// CertPEM pins the daemon's self-signed certificate. When empty the
	// TLS identity is not verified; the CLI always talks to loopback.
	CertPEM []byte
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	return nil
}

// Client talks to the local daemon.
type Client struct {
	roundtrip.Client
	addr string
}

// New creates a control-plane client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(cfg.CertPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CertPEM) {
			return nil, trace.BadParameter("failed to parse pinned certificate")
		}
		tlsConfig.RootCAs = pool
	} else {
		tlsConfig.InsecureSkipVerify = true
	}

	addr := "https://" + cfg.Addr
	clt, err := roundtrip.NewClient(addr, "v1",
		roundtrip.HTTPClient(&http.Client{
			Timeout: defaults.HTTPRequestTimeout,
			Transport: &apiKeyTransport{
				apiKey: cfg.APIKey,
				inner:  &http.Transport{TLSClientConfig: tlsConfig},
			},
		}),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{Client: *clt, addr: addr}, nil
}

// apiKeyTransport stamps the server credential onto every request.
type apiKeyTransport struct {
	apiKey string
	inner  http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set("X-API-Key", t.apiKey)
	return t.inner.RoundTrip(r)
}

// endpoint builds an absolute URL for an unversioned API path.
func (c *Client) endpoint(parts ...string) string {
	out := c.addr
	for _, p := range parts {
		out += "/" + p
	}
	return out
}

func (c *Client) get(ctx context.Context, out interface{}, parts ...string) error {
	resp, err := c.Client.Get(ctx, c.endpoint(parts...), url.Values{})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(unmarshalResponse(resp, out))
}

func (c *Client) post(ctx context.Context, req, out interface{}, parts ...string) error {
	resp, err := c.Client.PostJSON(ctx, c.endpoint(parts...), req)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(unmarshalResponse(resp, out))
}

func unmarshalResponse(resp *roundtrip.Response, out interface{}) error {
	if resp.Code() >= http.StatusBadRequest {
		var errResp struct {
			Detail string `json:"detail"`
			Code   string `json:"code"`
		}
		if json.Unmarshal(resp.Bytes(), &errResp) == nil && errResp.Detail != "" {
			return trace.Errorf("%v (%v)", errResp.Detail, errResp.Code)
		}
		return trace.Errorf("request failed with status %v", resp.Code())
	}
	if out == nil {
		return nil
	}
	return trace.Wrap(json.Unmarshal(resp.Bytes(), out))
}

// Status is the daemon status report.
type Status struct {
	Status           string          `json:"status"`
	Version          string          `json:"version"`
	SetupComplete    bool            `json:"setup_complete"`
	Port             int             `json:"port"`
	Features         map[string]bool `json:"features"`
	ConnectedDevices int             `json:"connected_devices"`
}

// GetStatus fetches the daemon status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, &out, "status"); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// QRPayload is the pairing bootstrap record.
type QRPayload struct {
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	Protocol        string `json:"protocol"`
	APIKey          string `json:"apiKey"`
	CertFingerprint string `json:"certFingerprint"`
}

// GetQRPayload fetches the pairing bootstrap record.
func (c *Client) GetQRPayload(ctx context.Context) (*QRPayload, error) {
	var out QRPayload
	if err := c.get(ctx, &out, "qr-payload"); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// PendingPairing is one ticket awaiting an operator decision.
type PendingPairing struct {
	PairingID  string `json:"pairing_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	ClientIP   string `json:"client_ip"`
}

// GetPendingPairings lists tickets awaiting a decision.
func (c *Client) GetPendingPairings(ctx context.Context) ([]PendingPairing, error) {
	var out []PendingPairing
	if err := c.get(ctx, &out, "pairing", "pending"); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// DecidePairing approves or denies a pending pairing ticket.
func (c *Client) DecidePairing(ctx context.Context, pairingID string, approve bool) error {
	action := "deny"
	if approve {
		action = "approve"
	}
	req := map[string]string{"pairing_id": pairingID}
	return trace.Wrap(c.post(ctx, req, nil, "pairing", action))
}

// Setup runs first-time setup with the chosen operator password.
func (c *Client) Setup(ctx context.Context, password string) error {
	req := map[string]string{"password": password}
	return trace.Wrap(c.post(ctx, req, nil, "auth", "setup"))
}

// StopServer asks the daemon to stop its listener.
func (c *Client) StopServer(ctx context.Context) error {
	return trace.Wrap(c.post(ctx, struct{}{}, nil, "server", "stop"))
}

// RestartServer asks the daemon to restart its listener.
func (c *Client) RestartServer(ctx context.Context) error {
	return trace.Wrap(c.post(ctx, struct{}{}, nil, "server", "restart"))
}

// Shutdown asks the daemon to terminate.
func (c *Client) Shutdown(ctx context.Context) error {
	return trace.Wrap(c.post(ctx, struct{}{}, nil, "server", "shutdown"))
}

// CleanupTransfers triggers a stale transfer sweep and returns the counts.
func (c *Client) CleanupTransfers(ctx context.Context) (uploads, downloads int, err error) {
	var out struct {
		CleanedUploads   int `json:"cleaned_uploads"`
		CleanedDownloads int `json:"cleaned_downloads"`
	}
	if err := c.post(ctx, struct{}{}, &out, "transfers", "cleanup", "execute"); err != nil {
		return 0, 0, trace.Wrap(err)
	}
	return out.CleanedUploads, out.CleanedDownloads, nil
}

// String returns the daemon address the client talks to.
func (c *Client) String() string {
	return fmt.Sprintf("Client(%v)", c.addr)
}
