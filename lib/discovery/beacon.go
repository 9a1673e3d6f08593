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

// Package discovery implements the UDP broadcast beacon advertising the
// server on the local network.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/utils"
)

// Payload is the JSON datagram listening clients identify by Magic.
type Payload struct {
	Magic       string `json:"magic"`
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
	HTTPS       bool   `json:"https"`
	Fingerprint string `json:"fingerprint"`
}

// Config configures a Beacon. The accessors are sampled at every send so
// each emitted beacon reflects the current server state.
type Config struct {
	// Port returns the live HTTPS listening port.
	Port func() int
	// Fingerprint returns the current certificate fingerprint.
	Fingerprint func() (string, error)
	// Active gates broadcasting: the beacon stays silent until
	// first-time setup completes.
	Active func() bool
	// Clock drives the send schedule.
	Clock clockwork.Clock
	// Interval is how often a datagram is sent.
	Interval time.Duration
	// DiscoveryPort is the UDP destination port.
	DiscoveryPort int
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port == nil {
		return trace.BadParameter("missing parameter Port")
	}
	if c.Fingerprint == nil {
		return trace.BadParameter("missing parameter Fingerprint")
	}
	if c.Active == nil {
		c.Active = func() bool { return true }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = defaults.DiscoveryInterval
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = defaults.DiscoveryPort
	}
	return nil
}

// Beacon periodically broadcasts the discovery datagram. Send failures are
// logged and the socket reopened; the task survives transient interface
// changes and only exits when its context is cancelled.
type Beacon struct {
	cfg  Config
	log  *logrus.Entry
	conn net.PacketConn
}

// New creates a beacon.
func New(cfg Config) (*Beacon, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Beacon{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentDiscovery}),
	}, nil
}

// Run broadcasts until ctx is cancelled.
func (b *Beacon) Run(ctx context.Context) {
	ticker := b.cfg.Clock.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	defer b.closeConn()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !b.cfg.Active() {
				continue
			}
			if err := b.sendOnce(); err != nil {
				b.log.WithError(err).Debug("Beacon send failed.")
				b.closeConn()
			}
		}
	}
}

func (b *Beacon) closeConn() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// sendOnce emits one beacon datagram to every broadcast address.
func (b *Beacon) sendOnce() error {
	data, err := b.payload()
	if err != nil {
		return trace.Wrap(err)
	}
	if b.conn == nil {
		conn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			return trace.Wrap(err)
		}
		b.conn = conn
	}

	addrs, err := utils.BroadcastAddrs()
	if err != nil {
		return trace.Wrap(err)
	}
	var lastErr error
	for _, ip := range addrs {
		dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip.String(), strconv.Itoa(b.cfg.DiscoveryPort)))
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := b.conn.WriteTo(data, dst); err != nil {
			lastErr = err
		}
	}
	return trace.Wrap(lastErr)
}

// payload samples the current server state into a datagram.
func (b *Beacon) payload() ([]byte, error) {
	fingerprint, err := b.cfg.Fingerprint()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "pclink"
	}
	data, err := json.Marshal(Payload{
		Magic:       pclink.DiscoveryMagic,
		Hostname:    hostname,
		Port:        b.cfg.Port(),
		HTTPS:       true,
		Fingerprint: fingerprint,
	})
	return data, trace.Wrap(err)
}
