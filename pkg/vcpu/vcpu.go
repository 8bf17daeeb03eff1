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

// Package vcpu models the virtual CPUs of a kernel embedded on top of the
// scheduler.
//
// The embedded kernel believes that code runs "scheduled onto" one of its
// virtual CPUs and that holds on a virtual CPU nest. Pool tracks which
// thread holds which virtual CPU and how deeply, keeping the depth in a TLS
// slot of the holding thread. Blocking primitives release the virtual CPU
// with Unschedule and restore the same depth with Reschedule, so the depth
// survives every suspension point.
package vcpu

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/nerdsane/rumpcore/pkg/halt"
	"github.com/nerdsane/rumpcore/pkg/sched"
)

const (
	// DepthSlot is the TLS slot holding the thread's hold depth.
	DepthSlot = 0
	// CPUSlot is the TLS slot holding the index of the held virtual CPU.
	CPUSlot = 1
)

// Scheduler is the subset of *sched.Scheduler used by a Pool.
type Scheduler interface {
	Current() *sched.Thread
	BlockPrepare(deadlineNS int64)
	Block() bool
	Wake(t *sched.Thread)
	SetHook(fn func(prevCookie, nextCookie any))
}

// Stats is the Pool's accounting.
type Stats struct {
	CPUs      int    `json:"cpus"`
	Busy      int    `json:"busy"`
	Acquires  uint64 `json:"acquires"`
	Contended uint64 `json:"contended"`
	Switches  uint64 `json:"switches"`
}

type waiter struct {
	ilist.Entry
	t      *sched.Thread
	queued bool
}

// Pool is a set of virtual CPUs.
type Pool struct {
	s Scheduler

	// mu protects the fields below. It is never held across Block.
	mu sync.Mutex

	// free is a stack of idle CPU indices.
	free    []int
	holder  []*sched.Thread
	waiters ilist.List

	// active is the cookie of the thread on the physical CPU.
	active any

	stats Stats
}

// New returns a pool of ncpu virtual CPUs.
func New(s Scheduler, ncpu int) *Pool {
	if ncpu <= 0 {
		ncpu = 1
	}
	p := &Pool{
		s:      s,
		free:   make([]int, 0, ncpu),
		holder: make([]*sched.Thread, ncpu),
	}
	for i := ncpu - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	p.stats.CPUs = ncpu
	return p
}

// Install registers the pool's Switch as the scheduler hook.
func (p *Pool) Install() {
	p.s.SetHook(p.Switch)
}

// Switch records the cookie of the thread taking the physical CPU.
func (p *Pool) Switch(prevCookie, nextCookie any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = nextCookie
	p.stats.Switches++
}

// Active returns the cookie passed to the most recent Switch.
func (p *Pool) Active() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Enter takes one more hold on a virtual CPU for the current thread,
// waiting for a free one if the thread holds none.
func (p *Pool) Enter() {
	t := p.s.Current()
	d := depth(t)
	if d == 0 {
		t.SetTLS(CPUSlot, p.acquire(t))
	}
	t.SetTLS(DepthSlot, d+1)
}

// Exit drops one hold. The virtual CPU is released with the last hold.
func (p *Pool) Exit() {
	t := p.s.Current()
	d := depth(t)
	if d == 0 {
		halt.Haltf("vcpu: thread %q exits a virtual CPU it does not hold", t.Name())
	}
	t.SetTLS(DepthSlot, d-1)
	if d == 1 {
		p.release(t)
	}
}

// Depth returns the current thread's hold depth.
func (p *Pool) Depth() int {
	return depth(p.s.Current())
}

// CPU returns the index of the virtual CPU held by the current thread.
func (p *Pool) CPU() (int, bool) {
	t := p.s.Current()
	if depth(t) == 0 {
		return 0, false
	}
	return t.TLS(CPUSlot).(int), true
}

// Unschedule releases the current thread's virtual CPU and returns the hold
// depth to pass to Reschedule.
func (p *Pool) Unschedule() int {
	t := p.s.Current()
	d := depth(t)
	if d > 0 {
		t.SetTLS(DepthSlot, 0)
		p.release(t)
	}
	return d
}

// Reschedule reacquires a virtual CPU at the depth returned by Unschedule.
func (p *Pool) Reschedule(d int) {
	if d <= 0 {
		return
	}
	t := p.s.Current()
	if cur := depth(t); cur != 0 {
		halt.Haltf("vcpu: thread %q rescheduled while holding depth %d", t.Name(), cur)
	}
	t.SetTLS(CPUSlot, p.acquire(t))
	t.SetTLS(DepthSlot, d)
}

// Stats returns the pool's accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Busy = st.CPUs - len(p.free)
	return st
}

// Holders returns the name of the thread holding each virtual CPU, empty
// for idle ones.
func (p *Pool) Holders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.holder))
	for i, t := range p.holder {
		if t != nil {
			names[i] = t.Name()
		}
	}
	return names
}

// acquire takes a free virtual CPU, waiting in FIFO order for one.
func (p *Pool) acquire(t *sched.Thread) int {
	for {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			cpu := p.free[n-1]
			p.free = p.free[:n-1]
			p.holder[cpu] = t
			p.stats.Acquires++
			p.mu.Unlock()
			return cpu
		}
		w := &waiter{t: t, queued: true}
		p.waiters.PushBack(w)
		p.stats.Contended++
		p.mu.Unlock()

		log.Debugf("vcpu: thread %q waits for a virtual CPU", t.Name())
		p.s.BlockPrepare(sched.NoDeadline)
		p.s.Block()

		p.mu.Lock()
		if w.queued {
			p.waiters.Remove(w)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) release(t *sched.Thread) {
	cpu, ok := t.TLS(CPUSlot).(int)
	p.mu.Lock()
	if !ok || p.holder[cpu] != t {
		p.mu.Unlock()
		halt.Haltf("vcpu: thread %q releases a virtual CPU held by another thread", t.Name())
	}
	p.holder[cpu] = nil
	p.free = append(p.free, cpu)
	var next *sched.Thread
	if e := p.waiters.Front(); e != nil {
		w := e.(*waiter)
		p.waiters.Remove(w)
		w.queued = false
		next = w.t
	}
	p.mu.Unlock()
	if next != nil {
		p.s.Wake(next)
	}
}

func depth(t *sched.Thread) int {
	if t == nil {
		halt.Haltf("vcpu: used outside a thread")
	}
	d, _ := t.TLS(DepthSlot).(int)
	return d
}

// String implements fmt.Stringer.
func (p *Pool) String() string {
	st := p.Stats()
	return fmt.Sprintf("vcpu.Pool{%d/%d busy}", st.Busy, st.CPUs)
}
