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
	"time"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/nerdsane/rumpcore/pkg/sched"
)

// Cond is a condition variable. Signal and Broadcast do not touch any
// mutex.
type Cond struct {
	env      *Env
	waiters  waitQueue
	nwaiters int
}

// NewCond returns a condition variable with no waiters.
func (e *Env) NewCond() *Cond {
	return &Cond{env: e}
}

// Wait releases m, blocks until signalled and reacquires m. The virtual
// CPU is released while blocked. Mutexes that are both kernel and spin
// mutexes are reacquired after the virtual CPU, all others before it.
func (c *Cond) Wait(m *Mutex) {
	c.wait(m, sched.NoDeadline, true)
}

// WaitNoWrap is Wait without releasing the virtual CPU.
func (c *Cond) WaitNoWrap(m *Mutex) {
	c.wait(m, sched.NoDeadline, false)
}

// TimedWait is Wait bounded by d. It returns ETIMEDOUT if d elapsed before
// a signal arrived; m is held again in either case.
func (c *Cond) TimedWait(m *Mutex, d time.Duration) error {
	deadline := c.env.s.Clock().NowNS() + d.Nanoseconds()
	if c.wait(m, deadline, true) {
		return linuxerr.ETIMEDOUT
	}
	return nil
}

func (c *Cond) wait(m *Mutex, deadlineNS int64, wrap bool) bool {
	c.nwaiters++
	depth := 0
	if wrap {
		depth = c.env.tok.Unschedule()
	}
	m.Unlock()

	timedOut := c.waiters.wait(c.env, deadlineNS)

	if wrap && m.flags&(MutexKernel|MutexSpin) == MutexKernel|MutexSpin {
		c.env.tok.Reschedule(depth)
		m.LockNoWrap()
	} else {
		m.LockNoWrap()
		if wrap {
			c.env.tok.Reschedule(depth)
		}
	}
	c.nwaiters--
	return timedOut
}

// Signal wakes the longest waiting thread.
func (c *Cond) Signal() {
	c.waiters.wakeOne(c.env)
}

// Broadcast wakes every waiting thread.
func (c *Cond) Broadcast() {
	c.waiters.wakeAll(c.env)
}

// Waiters returns the number of threads inside Wait.
func (c *Cond) Waiters() int {
	return c.nwaiters
}
