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
	"testing"
	"time"
)

func TestVirtualClocksBasic(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())

	if mono := vc.NowNS(); mono != 0 {
		t.Errorf("Initial monotonic time = %d, want 0", mono)
	}
	if real := vc.RealtimeNS(); real != 0 {
		t.Errorf("Initial realtime = %d, want 0", real)
	}
}

func TestVirtualClocksAdvance(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())

	vc.Advance(1_000_000_000)
	if mono := vc.NowNS(); mono != 1_000_000_000 {
		t.Errorf("After Advance(1e9): monotonic = %d, want 1e9", mono)
	}
	if real := vc.RealtimeNS(); real != 1_000_000_000 {
		t.Errorf("After Advance(1e9): realtime = %d, want 1e9", real)
	}

	vc.Advance(500_000_000)
	if mono := vc.NowNS(); mono != 1_500_000_000 {
		t.Errorf("After second Advance: monotonic = %d, want 1.5e9", mono)
	}
}

func TestVirtualClocksNegativeAdvancePanics(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())
	defer func() {
		if recover() == nil {
			t.Error("Advance(-1) did not panic")
		}
	}()
	vc.Advance(-1)
}

func TestVirtualClocksIdleJumpsToDeadline(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())
	intr := make(chan struct{}, 1)

	vc.Idle(5_000_000, intr)
	if mono := vc.NowNS(); mono != 5_000_000 {
		t.Errorf("monotonic after Idle = %d, want 5ms", mono)
	}
	if idle := vc.IdleNS(); idle != 5_000_000 {
		t.Errorf("IdleNS = %d, want 5ms", idle)
	}

	// A deadline in the past does not move time backwards.
	vc.Idle(1_000_000, intr)
	if mono := vc.NowNS(); mono != 5_000_000 {
		t.Errorf("monotonic after past-deadline Idle = %d, want 5ms", mono)
	}
}

func TestVirtualClocksIdlePendingInterrupt(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())
	intr := make(chan struct{}, 1)
	intr <- struct{}{}

	vc.Idle(5_000_000, intr)
	if mono := vc.NowNS(); mono != 0 {
		t.Errorf("monotonic = %d, want 0 (interrupt pending)", mono)
	}
}

func TestVirtualClocksIdleWaitsForInterrupt(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())
	intr := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		vc.Idle(NoDeadline, intr)
		close(done)
	}()
	intr <- struct{}{}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Idle(NoDeadline) did not return after an interrupt")
	}
}

func TestVirtualClocksCheckpoint(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())
	vc.Advance(12345)
	state := vc.GetState()

	vc.Advance(99999)
	vc.SetState(state)

	if mono := vc.NowNS(); mono != 12345 {
		t.Errorf("monotonic after restore = %d, want 12345", mono)
	}
}

type recordingListener struct {
	deltas []int64
}

func (l *recordingListener) OnTimeAdvance(delta int64) {
	l.deltas = append(l.deltas, delta)
}

func TestVirtualClocksListener(t *testing.T) {
	vc := NewVirtualClocks(DefaultVirtualClocksConfig())
	l := &recordingListener{}
	vc.AddListener(l)

	vc.Advance(10)
	vc.Idle(25, make(chan struct{}))
	vc.RemoveListener(l)
	vc.Advance(100)

	if len(l.deltas) != 2 || l.deltas[0] != 10 || l.deltas[1] != 15 {
		t.Errorf("listener deltas = %v, want [10 15]", l.deltas)
	}
}

func TestHostClockIdle(t *testing.T) {
	c := NewHostClock()
	start := c.NowNS()
	c.Idle(start+int64(time.Millisecond), make(chan struct{}))
	if c.NowNS()-start < int64(time.Millisecond) {
		t.Error("HostClock.Idle returned before the deadline")
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(KindVirtual).(*VirtualClocks); !ok {
		t.Error("New(KindVirtual) is not a VirtualClocks")
	}
	if _, ok := New(KindHost).(*HostClock); !ok {
		t.Error("New(KindHost) is not a HostClock")
	}
}
