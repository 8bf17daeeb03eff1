// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ktime

import (
	"gvisor.dev/gvisor/pkg/sync"
)

// VirtualClocks is a fully virtual monotonic and realtime clock pair. Time
// never advances on its own: it moves on explicit Advance calls and when an
// idle CPU jumps straight to the next deadline. Runs are therefore
// reproducible regardless of host load.
type VirtualClocks struct {
	mu sync.RWMutex

	// monotonic is the current monotonic time in nanoseconds.
	monotonic int64

	// realtime is wall clock time in nanoseconds since the Unix epoch.
	realtime int64

	// idleNS accumulates time skipped by Idle.
	idleNS int64

	listeners []TimeListener
}

// TimeListener is notified when virtual time advances.
type TimeListener interface {
	// OnTimeAdvance is called outside the clock lock with the delta in
	// nanoseconds.
	OnTimeAdvance(delta int64)
}

// VirtualClocksConfig contains configuration for VirtualClocks.
type VirtualClocksConfig struct {
	// InitialRealtime is the initial realtime in nanoseconds since epoch.
	InitialRealtime int64

	// InitialMonotonic is the initial monotonic time in nanoseconds.
	InitialMonotonic int64
}

// DefaultVirtualClocksConfig returns a config starting both clocks at 0.
func DefaultVirtualClocksConfig() VirtualClocksConfig {
	return VirtualClocksConfig{}
}

// NewVirtualClocks creates a new VirtualClocks.
func NewVirtualClocks(cfg VirtualClocksConfig) *VirtualClocks {
	return &VirtualClocks{
		monotonic: cfg.InitialMonotonic,
		realtime:  cfg.InitialRealtime,
	}
}

// NowNS implements Clock.NowNS.
func (vc *VirtualClocks) NowNS() int64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.monotonic
}

// RealtimeNS returns the virtual wall clock.
func (vc *VirtualClocks) RealtimeNS() int64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.realtime
}

// Idle implements Clock.Idle. A pending interrupt wins; otherwise time jumps
// to the deadline. With no deadline the CPU sleeps until an interrupt.
func (vc *VirtualClocks) Idle(deadlineNS int64, intr <-chan struct{}) {
	select {
	case <-intr:
		return
	default:
	}
	if deadlineNS == NoDeadline {
		<-intr
		return
	}
	vc.mu.Lock()
	delta := deadlineNS - vc.monotonic
	if delta > 0 {
		vc.idleNS += delta
	}
	vc.mu.Unlock()
	if delta > 0 {
		vc.Advance(delta)
	}
}

// Advance moves both clocks forward by deltaNS, which must be non-negative.
func (vc *VirtualClocks) Advance(deltaNS int64) {
	if deltaNS < 0 {
		panic("VirtualClocks.Advance: negative delta")
	}
	if deltaNS == 0 {
		return
	}

	vc.mu.Lock()
	vc.monotonic += deltaNS
	vc.realtime += deltaNS
	listeners := vc.listeners
	vc.mu.Unlock()

	for _, l := range listeners {
		l.OnTimeAdvance(deltaNS)
	}
}

// IdleNS returns the total time skipped while the CPU was idle.
func (vc *VirtualClocks) IdleNS() int64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.idleNS
}

// SetRealtime sets the wall clock without touching monotonic time.
func (vc *VirtualClocks) SetRealtime(ns int64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.realtime = ns
}

// VirtualClocksState holds the clock state for checkpointing.
type VirtualClocksState struct {
	Monotonic int64
	Realtime  int64
	IdleNS    int64
}

// GetState returns the current clock state.
func (vc *VirtualClocks) GetState() VirtualClocksState {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return VirtualClocksState{
		Monotonic: vc.monotonic,
		Realtime:  vc.realtime,
		IdleNS:    vc.idleNS,
	}
}

// SetState restores a state captured by GetState.
func (vc *VirtualClocks) SetState(state VirtualClocksState) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.monotonic = state.Monotonic
	vc.realtime = state.Realtime
	vc.idleNS = state.IdleNS
}

// AddListener adds a listener notified when time advances.
func (vc *VirtualClocks) AddListener(l TimeListener) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.listeners = append(vc.listeners, l)
}

// RemoveListener removes a previously added listener.
func (vc *VirtualClocks) RemoveListener(l TimeListener) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for i, listener := range vc.listeners {
		if listener == l {
			vc.listeners = append(vc.listeners[:i], vc.listeners[i+1:]...)
			return
		}
	}
}

var _ Clock = (*VirtualClocks)(nil)
