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

package vcpu

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/bucket"
	"github.com/nerdsane/rumpcore/pkg/halt"
	"github.com/nerdsane/rumpcore/pkg/ktime"
	"github.com/nerdsane/rumpcore/pkg/sched"
)

func newScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	pages := buddy.New(buddy.DefaultConfig())
	if err := pages.Init(0x100000, 256<<buddy.DefaultPageShift); err != nil {
		t.Fatalf("buddy Init failed: %v", err)
	}
	cfg := sched.DefaultConfig()
	cfg.HaltOnDeadlock = true
	clock := ktime.NewVirtualClocks(ktime.DefaultVirtualClocksConfig())
	return sched.New(cfg, clock, pages, bucket.New(bucket.DefaultConfig(), pages))
}

func TestEnterExitNests(t *testing.T) {
	s := newScheduler(t)
	p := New(s, 2)

	err := s.Boot(func() {
		if _, ok := p.CPU(); ok {
			t.Errorf("CPU held before Enter")
		}
		p.Enter()
		p.Enter()
		if got := p.Depth(); got != 2 {
			t.Errorf("Depth = %d, want 2", got)
		}
		if cpu, ok := p.CPU(); !ok || cpu != 0 {
			t.Errorf("CPU = %d, %t, want 0, true", cpu, ok)
		}
		if got := p.Stats().Busy; got != 1 {
			t.Errorf("busy = %d, want 1", got)
		}
		p.Exit()
		if got := p.Stats().Busy; got != 1 {
			t.Errorf("busy after inner Exit = %d, want 1", got)
		}
		p.Exit()
		if got := p.Stats().Busy; got != 0 {
			t.Errorf("busy after outer Exit = %d, want 0", got)
		}
	})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
}

func TestDepthSurvivesBlocking(t *testing.T) {
	s := newScheduler(t)
	p := New(s, 1)

	err := s.Boot(func() {
		p.Enter()
		p.Enter()
		p.Enter()

		var otherCPU bool
		other, _ := s.Create("other", func(any) {
			p.Enter()
			_, otherCPU = p.CPU()
			p.Exit()
		}, nil, sched.CreateOpts{Joinable: true})

		d := p.Unschedule()
		if d != 3 {
			t.Errorf("Unschedule = %d, want 3", d)
		}
		if got := p.Depth(); got != 0 {
			t.Errorf("Depth while unscheduled = %d", got)
		}
		s.Sleep(time.Millisecond)
		p.Reschedule(d)

		if got := p.Depth(); got != 3 {
			t.Errorf("Depth after Reschedule = %d, want 3", got)
		}
		if !otherCPU {
			t.Errorf("other thread could not take the released CPU")
		}
		s.Join(other)
		for i := 0; i < 3; i++ {
			p.Exit()
		}
	})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
}

func TestContendedEnterWaitsFIFO(t *testing.T) {
	s := newScheduler(t)
	p := New(s, 1)

	var order []string
	err := s.Boot(func() {
		p.Enter()
		var threads []*sched.Thread
		for _, name := range []string{"a", "b", "c"} {
			name := name
			th, _ := s.Create(name, func(any) {
				p.Enter()
				order = append(order, name)
				s.Yield()
				p.Exit()
			}, nil, sched.CreateOpts{Joinable: true})
			threads = append(threads, th)
		}
		s.Yield()
		if got := p.Stats().Contended; got != 3 {
			t.Errorf("contended = %d, want 3", got)
		}
		p.Exit()
		for _, th := range threads {
			s.Join(th)
		}
	})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestSwitchTracksActiveCookie(t *testing.T) {
	s := newScheduler(t)
	p := New(s, 1)
	p.Install()

	var seen any
	err := s.Boot(func() {
		child, _ := s.Create("child", func(any) {
			seen = p.Active()
		}, nil, sched.CreateOpts{Cookie: "lwp-2", Joinable: true})
		s.Current().SetCookie("lwp-1")
		s.Join(child)
		if got := p.Active(); got != "lwp-1" {
			t.Errorf("Active after join = %v, want lwp-1", got)
		}
	})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if seen != "lwp-2" {
		t.Errorf("Active in child = %v, want lwp-2", seen)
	}
}

func TestExitWithoutHoldHalts(t *testing.T) {
	s := newScheduler(t)
	p := New(s, 1)

	err := s.Boot(func() {
		p.Exit()
	})
	var herr *halt.Error
	if !errors.As(err, &herr) {
		t.Fatalf("Boot = %v, want a halt", err)
	}
}
