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

// Package hostcap defines the host capability contract: the pluggable
// interface behind which OS automation helpers (clipboard, screenshot,
// media keys, input, power) live. The server core never implements these
// primitives itself and never awaits a capability call without a timeout.
package hostcap

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Name identifies a capability group. The names align with the service
// toggles gating them.
type Name string

const (
	Clipboard  Name = "clipboard"
	Screenshot Name = "screen"
	Media      Name = "media"
	Input      Name = "input"
	Power      Name = "power"
	Terminal   Name = "terminal"
)

// Request is one capability invocation.
type Request struct {
	// Action is the capability-specific verb, e.g. "read", "set",
	// "play_pause", "shutdown".
	Action string
	// Args carries action-specific parameters.
	Args map[string]string
	// Data carries binary input, e.g. clipboard content to set.
	Data []byte
}

// Response is the capability result.
type Response struct {
	// Data carries binary output, e.g. screenshot bytes.
	Data []byte
	// ContentType describes Data when non-empty.
	ContentType string
}

// Provider implements one capability group. Implementations must honor
// ctx: the core always calls with a deadline attached.
type Provider interface {
	// Invoke executes one action.
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// DefaultTimeout bounds capability calls when the caller supplies none.
const DefaultTimeout = 10 * time.Second

// Registry maps capability names to providers. Unregistered capabilities
// report NotImplemented so the API surface degrades cleanly on platforms
// without the helper binaries.
type Registry struct {
	mu        sync.RWMutex
	providers map[Name]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[Name]Provider{}}
}

// Register installs a provider for the capability group.
func (r *Registry) Register(name Name, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

// Invoke dispatches to the provider, attaching the default timeout when
// ctx has no deadline.
func (r *Registry) Invoke(ctx context.Context, name Name, req Request) (*Response, error) {
	r.mu.RLock()
	provider, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, trace.NotImplemented("capability %q is not available on this host", name)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	resp, err := provider.Invoke(ctx, req)
	return resp, trace.Wrap(err)
}
