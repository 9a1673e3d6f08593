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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	store, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, 38080, store.Port())
	require.False(t, store.SetupComplete())
	// The terminal is opt-in, the file browser is on by default.
	require.False(t, store.Toggle(ToggleTerminal))
	require.True(t, store.Toggle(ToggleFileBrowser))
	require.NotEmpty(t, store.AllowedRoots())
	require.Equal(t, 7*24*time.Hour, store.StaleTransferThreshold())

	// First run persists the defaults.
	_, err = os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
}

func TestTogglePersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := Load(dir)
	require.NoError(t, err)

	require.NoError(t, store.SetToggle(ToggleTerminal, true))
	require.Error(t, store.SetToggle("no_such_toggle", true))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	require.True(t, reloaded.Toggle(ToggleTerminal))
}

func TestPassword(t *testing.T) {
	store, err := Load(t.TempDir())
	require.NoError(t, err)

	// No password set yet.
	require.Error(t, store.CheckPassword("anything"))
	// Too short.
	require.True(t, trace.IsBadParameter(store.SetPassword("short")))

	require.NoError(t, store.SetPassword("correct horse battery"))
	require.True(t, store.SetupComplete())
	require.NoError(t, store.CheckPassword("correct horse battery"))
	require.Error(t, store.CheckPassword("wrong password"))
}

func TestCorruptConfigFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestStaleThreshold(t *testing.T) {
	dir := t.TempDir()
	store, err := Load(dir)
	require.NoError(t, err)

	require.Error(t, store.SetStaleTransferThreshold(time.Second))
	require.NoError(t, store.SetStaleTransferThreshold(48*time.Hour))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, reloaded.StaleTransferThreshold())
}
