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

// Package config implements the durable host configuration store backed by
// config.json in the per-user data directory.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/utils"
)

// Service toggle names gating capability groups. Middleware consults these
// before routing to capability handlers.
const (
	ToggleTerminal    = "terminal"
	ToggleFileBrowser = "file_browser"
	ToggleInput       = "input"
	ToggleMedia       = "media"
	ToggleClipboard   = "clipboard"
	ToggleScreen      = "screen"
	TogglePower       = "power"
	ToggleExtensions  = "extensions"
)

// defaultToggles holds the conservative defaults: the terminal and
// extension groups are opt-in.
func defaultToggles() map[string]bool {
	return map[string]bool{
		ToggleTerminal:    false,
		ToggleFileBrowser: true,
		ToggleInput:       true,
		ToggleMedia:       true,
		ToggleClipboard:   true,
		ToggleScreen:      true,
		TogglePower:       true,
		ToggleExtensions:  false,
	}
}

// Config is the JSON shape of config.json.
type Config struct {
	// Port is the TCP port the TLS listener binds.
	Port int `json:"port"`
	// Toggles maps service toggle names to their enabled state.
	Toggles map[string]bool `json:"toggles"`
	// PasswordHash is the bcrypt hash of the operator password. Empty
	// until first-time setup completes.
	PasswordHash string `json:"password_hash,omitempty"`
	// SetupComplete records whether first-time setup has finished. The
	// mobile API and the discovery beacon stay inactive until it has.
	SetupComplete bool `json:"setup_complete"`
	// AllowedRoots is the operator-configured allow-list of directories
	// reachable by file transfer operations.
	AllowedRoots []string `json:"allowed_roots"`
	// StaleTransferSeconds is the inactivity age after which a transfer
	// session becomes eligible for cleanup.
	StaleTransferSeconds int64 `json:"stale_transfer_seconds"`
}

// CheckAndSetDefaults fills in unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = defaults.HTTPSListenPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("invalid listen port %d", c.Port)
	}
	if c.Toggles == nil {
		c.Toggles = map[string]bool{}
	}
	for name, enabled := range defaultToggles() {
		if _, ok := c.Toggles[name]; !ok {
			c.Toggles[name] = enabled
		}
	}
	if c.StaleTransferSeconds <= 0 {
		c.StaleTransferSeconds = int64(defaults.StaleTransferThreshold / time.Second)
	}
	if len(c.AllowedRoots) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		c.AllowedRoots = []string{home}
	}
	return nil
}

// Store serializes access to the on-disk configuration. Every mutation is
// persisted with a full atomic rewrite before it returns.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// DataDir resolves the per-user data directory, honoring the
// PCLINK_DATA_DIR override.
func DataDir() (string, error) {
	if dir := os.Getenv(pclink.DataDirEnvVar); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return filepath.Join(base, "pclink"), nil
}

// Load reads config.json from dataDir, creating it with defaults on first
// run. A file that exists but does not parse is a fatal configuration error.
func Load(dataDir string) (*Store, error) {
	if err := utils.EnsureDir(dataDir, 0o700); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{path: filepath.Join(dataDir, "config.json")}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// First run, persist the defaults.
	case err != nil:
		return nil, trace.ConvertSystemError(err)
	default:
		if err := json.Unmarshal(data, &s.cfg); err != nil {
			return nil, trace.BadParameter("corrupt configuration file %v: %v", s.path, err)
		}
	}
	if err := s.cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.save(); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.WriteFileAtomic(s.path, data, 0o600))
}

// Port returns the configured listener port.
func (s *Store) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Port
}

// Toggle reports whether the named service toggle is enabled. Unknown
// toggles are disabled.
func (s *Store) Toggle(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Toggles[name]
}

// Toggles returns a copy of all toggles.
func (s *Store) Toggles() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.cfg.Toggles))
	for k, v := range s.cfg.Toggles {
		out[k] = v
	}
	return out
}

// SetToggle updates a service toggle and persists the change.
func (s *Store) SetToggle(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := defaultToggles()[name]; !ok {
		return trace.BadParameter("unknown service toggle %q", name)
	}
	s.cfg.Toggles[name] = enabled
	return trace.Wrap(s.save())
}

// SetupComplete reports whether first-time setup has finished.
func (s *Store) SetupComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SetupComplete
}

// SetPassword hashes and stores the operator password, marking setup
// complete.
func (s *Store) SetPassword(password string) error {
	if len(password) < 8 {
		return trace.BadParameter("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PasswordHash = string(hash)
	s.cfg.SetupComplete = true
	return trace.Wrap(s.save())
}

// CheckPassword verifies the operator password. The comparison runs in
// constant time inside bcrypt.
func (s *Store) CheckPassword(password string) error {
	s.mu.RLock()
	hash := s.cfg.PasswordHash
	s.mu.RUnlock()
	if hash == "" {
		return trace.AccessDenied("operator password is not set")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return trace.AccessDenied("invalid password")
	}
	return nil
}

// AllowedRoots returns the file access allow-list.
func (s *Store) AllowedRoots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.cfg.AllowedRoots...)
}

// StaleTransferThreshold returns the configured stale transfer age.
func (s *Store) StaleTransferThreshold() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.cfg.StaleTransferSeconds) * time.Second
}

// SetStaleTransferThreshold updates the stale transfer age.
func (s *Store) SetStaleTransferThreshold(d time.Duration) error {
	if d < time.Minute {
		return trace.BadParameter("stale threshold %v is too low", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.StaleTransferSeconds = int64(d / time.Second)
	return trace.Wrap(s.save())
}
