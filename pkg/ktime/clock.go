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

// Package ktime provides the monotonic clock sources consumed by the
// scheduler. A Clock both reads time and idles the physical CPU until the
// next deadline or interrupt.
package ktime

import (
	"time"
)

// NoDeadline asks Idle to wait for an interrupt only.
const NoDeadline int64 = -1

// Clock is the time and halt interface the scheduler needs from the
// platform.
type Clock interface {
	// NowNS returns the current monotonic time in nanoseconds.
	NowNS() int64

	// Idle halts the CPU until deadlineNS is reached or intr is signalled.
	// deadlineNS may be NoDeadline. Spurious returns are allowed.
	Idle(deadlineNS int64, intr <-chan struct{})
}

// Kind selects a clock implementation.
type Kind string

const (
	// KindVirtual is deterministic time that only moves when the CPU idles
	// or Advance is called.
	KindVirtual Kind = "virtual"

	// KindHost follows the host monotonic clock.
	KindHost Kind = "host"
)

// New returns a clock of the given kind. Unknown kinds get virtual time.
func New(kind Kind) Clock {
	if kind == KindHost {
		return NewHostClock()
	}
	return NewVirtualClocks(DefaultVirtualClocksConfig())
}

// HostClock reads the host monotonic clock and idles on a real timer.
type HostClock struct {
	start time.Time
}

// NewHostClock returns a HostClock whose epoch is now.
func NewHostClock() *HostClock {
	return &HostClock{start: time.Now()}
}

// NowNS implements Clock.NowNS.
func (c *HostClock) NowNS() int64 {
	return int64(time.Since(c.start))
}

// Idle implements Clock.Idle.
func (c *HostClock) Idle(deadlineNS int64, intr <-chan struct{}) {
	if deadlineNS == NoDeadline {
		<-intr
		return
	}
	d := deadlineNS - c.NowNS()
	if d <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-intr:
	}
}

var _ Clock = (*HostClock)(nil)
