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

package ksync

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/nerdsane/rumpcore/pkg/halt"
	"github.com/nerdsane/rumpcore/pkg/sched"
)

// MutexFlags classify a mutex for the embedded kernel.
type MutexFlags uint8

const (
	// MutexKernel marks a kernel mutex.
	MutexKernel MutexFlags = 1 << iota
	// MutexSpin marks a spin mutex. Lock on a spin mutex never releases
	// the virtual CPU.
	MutexSpin
)

// Mutex is a non-recursive blocking mutex with FIFO handoff order.
type Mutex struct {
	env     *Env
	flags   MutexFlags
	owner   *sched.Thread
	count   int
	waiters waitQueue
}

// NewMutex returns an unlocked mutex.
func (e *Env) NewMutex(flags MutexFlags) *Mutex {
	return &Mutex{env: e, flags: flags}
}

// Flags returns the mutex classification.
func (m *Mutex) Flags() MutexFlags {
	return m.flags
}

// TryLock acquires m if it is free and returns EBUSY otherwise. Relocking a
// mutex held by the caller is fatal.
func (m *Mutex) TryLock() error {
	t := m.env.current()
	if m.count > 0 {
		if m.owner == t {
			halt.Haltf("ksync: thread %q relocks mutex it holds", t.Name())
		}
		return linuxerr.EBUSY
	}
	m.count = 1
	m.owner = t
	return nil
}

// Lock acquires m, releasing the virtual CPU while it waits. Spin mutexes
// are acquired as by LockNoWrap.
func (m *Mutex) Lock() {
	if m.flags&MutexSpin != 0 {
		m.LockNoWrap()
		return
	}
	if m.TryLock() == nil {
		return
	}
	depth := m.env.tok.Unschedule()
	m.lockSlow()
	m.env.tok.Reschedule(depth)
}

// LockNoWrap acquires m without releasing the virtual CPU.
func (m *Mutex) LockNoWrap() {
	if m.TryLock() == nil {
		return
	}
	m.lockSlow()
}

func (m *Mutex) lockSlow() {
	for m.TryLock() != nil {
		m.waiters.wait(m.env, sched.NoDeadline)
	}
}

// Unlock releases m and wakes the longest waiting thread.
func (m *Mutex) Unlock() {
	t := m.env.current()
	if m.count == 0 {
		halt.Haltf("ksync: thread %q unlocks an unlocked mutex", t.Name())
	}
	if m.owner != t {
		halt.Haltf("ksync: thread %q unlocks a mutex held by %q", t.Name(), m.owner.Name())
	}
	m.count--
	if m.count == 0 {
		m.owner = nil
		m.waiters.wakeOne(m.env)
	}
}

// Owner returns the holding thread, or nil.
func (m *Mutex) Owner() *sched.Thread {
	return m.owner
}

// Held reports whether the current thread holds m.
func (m *Mutex) Held() bool {
	return m.count > 0 && m.owner == m.env.s.Current()
}

// String implements fmt.Stringer.
func (m *Mutex) String() string {
	if m.owner == nil {
		return "Mutex{unlocked}"
	}
	return fmt.Sprintf("Mutex{owner %q, %d waiting}", m.owner.Name(), m.waiters.n)
}
