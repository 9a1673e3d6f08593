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

// Package defaults contains default constants used across the PCLink server.
package defaults

import "time"

const (
	// HTTPSListenPort is the TCP port the TLS listener binds by default.
	HTTPSListenPort = 38080

	// DiscoveryPort is the UDP port discovery beacons are broadcast to.
	DiscoveryPort = 38099

	// DiscoveryInterval is how often a beacon datagram is sent.
	DiscoveryInterval = 3 * time.Second
)

const (
	// PairingTimeout bounds how long a pairing request may stay pending.
	PairingTimeout = 60 * time.Second

	// PairingRequestsPerMinute caps pairing attempts per source IP.
	PairingRequestsPerMinute = 5

	// LoginAttemptLimit caps failed operator logins per source IP
	// within LoginAttemptWindow.
	LoginAttemptLimit = 5

	// LoginAttemptWindow is the rolling window for login rate limiting.
	LoginAttemptWindow = 15 * time.Minute

	// MaxDeviceNameLength bounds client-supplied device names.
	MaxDeviceNameLength = 64
)

const (
	// OperatorSessionTTL is how long an operator browser session stays valid.
	OperatorSessionTTL = 24 * time.Hour

	// APIKeyBytes is the length of generated server and device keys.
	// 16 bytes render as a 32 character hex token.
	APIKeyBytes = 16

	// CertValidity is the lifetime of the self-signed TLS certificate.
	CertValidity = 10 * 365 * 24 * time.Hour
)

const (
	// UploadChunkSize is the default chunk size for resumable uploads.
	UploadChunkSize = 256 * 1024

	// StaleTransferThreshold is the default age after which an inactive
	// transfer session becomes eligible for cleanup.
	StaleTransferThreshold = 7 * 24 * time.Hour

	// TransferCleanupInterval is how often the stale scan runs.
	TransferCleanupInterval = time.Hour

	// MaxJSONBodyBytes caps the size of JSON request bodies.
	MaxJSONBodyBytes = 1 << 20
)

const (
	// WebSocketIdleTimeout is the pong deadline for websocket peers.
	WebSocketIdleTimeout = 60 * time.Second

	// WebSocketPingInterval is how often heartbeat pings are sent. It must
	// be below WebSocketIdleTimeout for the deadline to ever be extended.
	WebSocketPingInterval = WebSocketIdleTimeout / 2

	// SubscriberQueueSize is the outbound event buffer per websocket
	// subscriber. Overflowing it drops the subscriber.
	SubscriberQueueSize = 64
)

const (
	// HTTPRequestTimeout bounds control-plane client calls from the CLI.
	HTTPRequestTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful listener shutdown.
	ShutdownTimeout = 10 * time.Second

	// LimiterCapacity bounds the number of tracked source IPs.
	LimiterCapacity = 4096
)

// ExitCode values returned by the pclink binary.
const (
	ExitSuccess = 0
	// ExitGenericError covers all otherwise unclassified failures.
	ExitGenericError = 1
	// ExitAlreadyRunning means another instance holds the data dir lock.
	ExitAlreadyRunning = 2
	// ExitInvalidConfig means the on-disk configuration cannot be used.
	ExitInvalidConfig = 3
)
