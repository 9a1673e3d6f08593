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

// Package credentials persists the server identity: the API key, the
// self-signed TLS certificate and its private key.
package credentials

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/utils"
)

const (
	apiKeyFile = "api_key"
	certFile   = "cert.pem"
	keyFile    = "key.pem"
)

var apiKeyPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ServerIdentity is a read-only snapshot of the persisted credentials.
type ServerIdentity struct {
	// APIKey is the opaque server credential, stable until rotated.
	APIKey string
	// CertPEM and KeyPEM hold the TLS material in PEM encoding.
	CertPEM []byte
	KeyPEM  []byte
}

// TLSCertificate parses the identity into a tls.Certificate usable by a
// listener.
func (i *ServerIdentity) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(i.CertPEM, i.KeyPEM)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err)
	}
	return cert, nil
}

// Events receives credential change notifications; the session hub
// implements it.
type Events interface {
	// EmitServerStatus announces a server state change to operator
	// subscribers.
	EmitServerStatus(reason string)
}

// StoreConfig configures a credential store.
type StoreConfig struct {
	// DataDir is the per-user data directory holding the artifacts.
	DataDir string
	// Clock is used for certificate validity decisions.
	Clock clockwork.Clock
	// Events, if set, receives rotation notifications.
	Events Events
}

// CheckAndSetDefaults validates the configuration.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing parameter DataDir")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store owns the on-disk server identity.
type Store struct {
	cfg StoreConfig
	log *logrus.Entry

	mu       sync.RWMutex
	identity ServerIdentity
}

// NewStore creates a credential store rooted at cfg.DataDir.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentAuth}),
	}, nil
}

// LoadOrInit loads the persisted identity, regenerating all three artifacts
// atomically if any of them is missing or fails validation. A generation
// failure is fatal and surfaced as a typed error.
func (s *Store) LoadOrInit() (*ServerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, err := s.read()
	if err == nil {
		s.identity = *identity
		return s.snapshot(), nil
	}
	if !trace.IsNotFound(err) && !trace.IsBadParameter(err) {
		return nil, trace.Wrap(err)
	}
	s.log.WithError(err).Info("Regenerating server identity.")

	identity, err = s.generate()
	if err != nil {
		return nil, trace.WrapWithMessage(err, "failed to generate server identity")
	}
	s.identity = *identity
	return s.snapshot(), nil
}

// read loads and validates the three artifacts from disk.
func (s *Store) read() (*ServerIdentity, error) {
	apiKey, err := os.ReadFile(filepath.Join(s.cfg.DataDir, apiKeyFile))
	if os.IsNotExist(err) {
		return nil, trace.NotFound("api key file is missing")
	} else if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if !apiKeyPattern.Match(apiKey) {
		return nil, trace.BadParameter("api key file is malformed")
	}

	certPEM, err := os.ReadFile(filepath.Join(s.cfg.DataDir, certFile))
	if os.IsNotExist(err) {
		return nil, trace.NotFound("certificate file is missing")
	} else if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(s.cfg.DataDir, keyFile))
	if os.IsNotExist(err) {
		return nil, trace.NotFound("private key file is missing")
	} else if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	// Pairing the cert with the key validates both parse and that they
	// actually match each other.
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, trace.BadParameter("certificate does not match private key: %v", err)
	}
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if s.cfg.Clock.Now().After(cert.NotAfter) {
		return nil, trace.BadParameter("certificate expired on %v", cert.NotAfter)
	}

	return &ServerIdentity{
		APIKey:  string(apiKey),
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
	}, nil
}

// generate creates a fresh identity and persists all three artifacts via
// temp-and-rename writes.
func (s *Store) generate() (*ServerIdentity, error) {
	apiKey, err := utils.CryptoRandomHex(defaults.APIKeyBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	certPEM, keyPEM, err := generateSelfSignedCert(s.cfg.Clock.Now())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(s.cfg.DataDir, keyFile), keyPEM, 0o600); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(s.cfg.DataDir, certFile), certPEM, 0o644); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(s.cfg.DataDir, apiKeyFile), []byte(apiKey), 0o600); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ServerIdentity{
		APIKey:  apiKey,
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
	}, nil
}

// RotateAPIKey replaces the server API key. The TLS certificate and its
// fingerprint are left untouched. Outstanding device keys are invalidated
// by policy at the registry level.
func (s *Store) RotateAPIKey() (string, error) {
	apiKey, err := utils.CryptoRandomHex(defaults.APIKeyBytes)
	if err != nil {
		return "", trace.Wrap(err)
	}
	s.mu.Lock()
	if err := utils.WriteFileAtomic(filepath.Join(s.cfg.DataDir, apiKeyFile), []byte(apiKey), 0o600); err != nil {
		s.mu.Unlock()
		return "", trace.Wrap(err)
	}
	s.identity.APIKey = apiKey
	s.mu.Unlock()

	s.log.Info("Server API key rotated.")
	if s.cfg.Events != nil {
		s.cfg.Events.EmitServerStatus("api_key_rotated")
	}
	return apiKey, nil
}

// APIKey returns the current server API key.
func (s *Store) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.APIKey
}

// Identity returns a read-only snapshot of the current identity.
func (s *Store) Identity() *ServerIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

func (s *Store) snapshot() *ServerIdentity {
	out := ServerIdentity{
		APIKey:  s.identity.APIKey,
		CertPEM: append([]byte(nil), s.identity.CertPEM...),
		KeyPEM:  append([]byte(nil), s.identity.KeyPEM...),
	}
	return &out
}

// Fingerprint recomputes the lowercase hex SHA-256 digest of the DER
// encoded certificate. It is never cached across file writes.
func (s *Store) Fingerprint() (string, error) {
	s.mu.RLock()
	certPEM := s.identity.CertPEM
	s.mu.RUnlock()
	return CertFingerprint(certPEM)
}

// CertFingerprint computes the fingerprint of a PEM encoded certificate.
func CertFingerprint(certPEM []byte) (string, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed to parse certificate: %v", err)
	}
	return cert, nil
}
