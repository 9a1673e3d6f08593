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

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCryptoRandomHex(t *testing.T) {
	token, err := CryptoRandomHex(16)
	require.NoError(t, err)
	require.Len(t, token, 32)

	other, err := CryptoRandomHex(16)
	require.NoError(t, err)
	require.NotEqual(t, token, other)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))

	// Overwrite leaves no temporary droppings behind.
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o600))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestIsVirtualInterface(t *testing.T) {
	tests := []struct {
		name    string
		virtual bool
	}{
		{name: "eth0", virtual: false},
		{name: "wlan0", virtual: false},
		{name: "docker0", virtual: true},
		{name: "veth12ab", virtual: true},
		{name: "br-c0ffee", virtual: true},
		{name: "vmnet8", virtual: true},
		{name: "tap0", virtual: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.virtual, IsVirtualInterface(tt.name))
		})
	}
}

func TestClientIP(t *testing.T) {
	require.Equal(t, "10.0.0.5", ClientIP("10.0.0.5:51234"))
	require.Equal(t, "::1", ClientIP("[::1]:8080"))
	require.Equal(t, "10.0.0.5", ClientIP("10.0.0.5"))
}
