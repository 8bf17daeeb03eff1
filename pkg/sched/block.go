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

package sched

import (
	"time"
)

// BlockPrepare removes the calling thread from the runnable set ahead of a
// Block call. With a deadline other than NoDeadline the thread becomes
// runnable again once the monotonic clock reaches deadlineNS. A Wake that
// arrives between BlockPrepare and Block is not lost: Block then returns
// immediately.
func (s *Scheduler) BlockPrepare(deadlineNS int64) {
	t := s.mustCurrent("BlockPrepare")
	s.mu.Lock()
	if t.flags&flagBlockPrep != 0 {
		s.fatalLocked("sched: thread %q prepared to block twice", t.name)
	}
	s.blockPrepareLocked(t, deadlineNS)
	s.mu.Unlock()
}

// Block gives up the CPU after BlockPrepare. It reports whether the
// thread's deadline expired, as opposed to an explicit Wake.
func (s *Scheduler) Block() (timedOut bool) {
	t := s.mustCurrent("Block")
	s.mu.Lock()
	if t.flags&flagBlockPrep == 0 {
		s.fatalLocked("sched: thread %q blocked without preparing", t.name)
	}
	listeners := s.listeners
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnThreadBlocked(t.id)
	}

	s.schedule()

	s.mu.Lock()
	defer s.mu.Unlock()
	timedOut = t.flags&flagTimedOut != 0
	t.flags &^= flagTimedOut
	return timedOut
}

// SleepUntil blocks the calling thread until the monotonic clock reaches
// deadlineNS or it is woken. It reports whether the deadline expired.
func (s *Scheduler) SleepUntil(deadlineNS int64) bool {
	s.BlockPrepare(deadlineNS)
	return s.Block()
}

// Sleep is SleepUntil relative to now.
func (s *Scheduler) Sleep(d time.Duration) bool {
	return s.SleepUntil(s.clock.NowNS() + d.Nanoseconds())
}

// Wake makes a blocked thread runnable and raises the idle CPU. Waking a
// thread that is not blocked has no effect. Wake may be called from
// interrupt context, i.e. from any goroutine.
func (s *Scheduler) Wake(t *Thread) {
	s.mu.Lock()
	woke := s.wakeLocked(t)
	listeners := s.listeners
	s.mu.Unlock()
	if !woke {
		return
	}
	s.wakes.Add(1)
	s.kick()
	for _, l := range listeners {
		l.OnThreadWoken(t.id)
	}
}

func (s *Scheduler) blockPrepareLocked(t *Thread, deadlineNS int64) {
	t.flags |= flagBlockPrep
	t.flags &^= flagTimedOut
	t.wakeupNS = deadlineNS
	if deadlineNS == NoDeadline {
		t.state = StateBlocked
		s.blockq.PushBack(t)
		return
	}
	t.state = StateDeadlineBlocked
	for e := s.timeq.Front(); e != nil; e = e.Next() {
		if e.(*Thread).wakeupNS > deadlineNS {
			s.timeq.InsertBefore(e, t)
			return
		}
	}
	s.timeq.PushBack(t)
}

func (s *Scheduler) wakeLocked(t *Thread) bool {
	switch t.state {
	case StateDeadlineBlocked:
		s.timeq.Remove(t)
	case StateBlocked:
		s.blockq.Remove(t)
	default:
		return false
	}
	s.makeReadyLocked(t)
	return true
}

// makeReadyLocked appends an unlinked thread to the ready queue.
func (s *Scheduler) makeReadyLocked(t *Thread) {
	t.wakeupNS = NoDeadline
	t.state = StateReady
	s.ready.PushBack(t)
}
