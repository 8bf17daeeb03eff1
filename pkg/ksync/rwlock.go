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

// RWMode selects shared or exclusive access.
type RWMode int

const (
	// Reader is shared access.
	Reader RWMode = iota
	// Writer is exclusive access.
	Writer
)

// String implements fmt.Stringer.
func (m RWMode) String() string {
	switch m {
	case Reader:
		return "reader"
	case Writer:
		return "writer"
	default:
		return fmt.Sprintf("RWMode(%d)", int(m))
	}
}

// RWLock is a reader-writer lock. Waiting writers keep new readers out.
type RWLock struct {
	env *Env

	// v is the number of readers, or -1 while a writer holds the lock.
	v     int
	owner *sched.Thread

	rwait waitQueue
	wwait waitQueue
}

// NewRWLock returns an unheld lock.
func (e *Env) NewRWLock() *RWLock {
	return &RWLock{env: e}
}

// TryEnter acquires rw in mode or returns EBUSY. A reader is refused while
// a writer holds or waits for the lock.
func (rw *RWLock) TryEnter(mode RWMode) error {
	t := rw.env.current()
	switch mode {
	case Writer:
		if rw.v != 0 {
			if rw.owner == t {
				halt.Haltf("ksync: thread %q reenters rwlock it writes", t.Name())
			}
			return linuxerr.EBUSY
		}
		rw.v = -1
		rw.owner = t
	case Reader:
		if rw.v < 0 || !rw.wwait.empty() {
			return linuxerr.EBUSY
		}
		rw.v++
	default:
		halt.Haltf("ksync: invalid rwlock mode %v", mode)
	}
	return nil
}

// Enter acquires rw in mode, releasing the virtual CPU while it waits.
func (rw *RWLock) Enter(mode RWMode) {
	if rw.TryEnter(mode) == nil {
		return
	}
	q := &rw.rwait
	if mode == Writer {
		q = &rw.wwait
	}
	depth := rw.env.tok.Unschedule()
	for rw.TryEnter(mode) != nil {
		q.wait(rw.env, sched.NoDeadline)
	}
	rw.env.tok.Reschedule(depth)
}

// Exit releases one hold. When the lock becomes free a waiting writer is
// woken, or else every waiting reader.
func (rw *RWLock) Exit() {
	t := rw.env.current()
	switch {
	case rw.v < 0:
		if rw.owner != t {
			halt.Haltf("ksync: thread %q exits rwlock written by %q", t.Name(), rw.owner.Name())
		}
		rw.owner = nil
		rw.v = 0
	case rw.v > 0:
		rw.v--
	default:
		halt.Haltf("ksync: thread %q exits an unheld rwlock", t.Name())
	}
	if rw.v == 0 {
		rw.wakeWaiters()
	}
}

// TryUpgrade turns the caller's read hold into a write hold if it is the
// only reader, and returns EBUSY otherwise.
func (rw *RWLock) TryUpgrade() error {
	if rw.v <= 0 {
		halt.Haltf("ksync: upgrade of rwlock without a read hold")
	}
	if rw.v != 1 {
		return linuxerr.EBUSY
	}
	rw.v = -1
	rw.owner = rw.env.current()
	return nil
}

// Downgrade turns the caller's write hold into a read hold. Waiting
// readers are admitted unless a writer is also waiting.
func (rw *RWLock) Downgrade() {
	t := rw.env.current()
	if rw.v >= 0 || rw.owner != t {
		halt.Haltf("ksync: thread %q downgrades rwlock it does not write", t.Name())
	}
	rw.v = 1
	rw.owner = nil
	if rw.wwait.empty() {
		rw.rwait.wakeAll(rw.env)
	}
}

// Held reports whether rw is held in mode. Readers are anonymous, so a
// Reader query is true for any read hold.
func (rw *RWLock) Held(mode RWMode) bool {
	if mode == Writer {
		return rw.v < 0 && rw.owner == rw.env.s.Current()
	}
	return rw.v > 0
}

// Readers returns the number of read holds.
func (rw *RWLock) Readers() int {
	if rw.v < 0 {
		return 0
	}
	return rw.v
}

func (rw *RWLock) wakeWaiters() {
	if !rw.wwait.empty() {
		rw.wwait.wakeOne(rw.env)
		return
	}
	rw.rwait.wakeAll(rw.env)
}
