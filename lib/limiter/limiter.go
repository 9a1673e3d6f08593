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

// Package limiter implements the per-IP counters guarding the login and
// pairing endpoints. The bucket store is capacity-bounded with TTL
// eviction, so it cannot grow without bound under attack.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
)

// Config configures a Limiter.
type Config struct {
	// Limit is the number of counted events allowed per key per Window.
	Limit int
	// Window is the rolling window; TTL granularity is one second.
	Window time.Duration
	// Capacity bounds the number of tracked keys.
	Capacity int
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Limit <= 0 {
		return trace.BadParameter("missing parameter Limit")
	}
	if c.Window < time.Second {
		return trace.BadParameter("window %v is below the one second granularity", c.Window)
	}
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	return nil
}

type bucket struct {
	count int
}

// Limiter counts events per key within a rolling window.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets *ttlmap.TTLMap
}

// New creates a limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	buckets, err := ttlmap.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{cfg: cfg, buckets: buckets}, nil
}

// Check returns a LimitExceeded error when key has already used up its
// window allowance. It does not consume an event.
func (l *Limiter) Check(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(key); ok {
		if b, ok := v.(*bucket); ok && b.count >= l.cfg.Limit {
			return trace.LimitExceeded("too many attempts from %q, try again later", key)
		}
	}
	return nil
}

// Record consumes one event for key. The window starts at the first
// recorded event and rolls when the TTL evicts the bucket.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(key); ok {
		if b, ok := v.(*bucket); ok {
			b.count++
			return
		}
	}
	// Best effort: an eviction failure only loosens the limit.
	l.buckets.Set(key, &bucket{count: 1}, l.cfg.Window)
}

// Allow combines Check and Record for endpoints where every request counts
// against the allowance.
func (l *Limiter) Allow(key string) error {
	if err := l.Check(key); err != nil {
		return trace.Wrap(err)
	}
	l.Record(key)
	return nil
}
