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
	"fmt"

	"gvisor.dev/gvisor/pkg/ilist"
)

// Listener is notified of scheduling events. OnThreadWoken may be called
// from interrupt context; the other methods run on the CPU.
type Listener interface {
	// OnThreadScheduled is called when a thread is handed the CPU.
	OnThreadScheduled(tid ThreadID)
	// OnThreadBlocked is called when a thread gives up the CPU in Block.
	OnThreadBlocked(tid ThreadID)
	// OnThreadWoken is called when Wake makes a blocked thread ready.
	OnThreadWoken(tid ThreadID)
	// OnThreadExited is called when a thread becomes a zombie.
	OnThreadExited(tid ThreadID)
}

// SchedulerState is a snapshot of the run queues.
type SchedulerState struct {
	// Current is the running thread, 0 if none.
	Current ThreadID
	// Ready is the ready queue in dispatch order.
	Ready []ThreadID
	// Deadline is the deadline queue in wakeup order.
	Deadline []ThreadID
	// Blocked is the block queue.
	Blocked []ThreadID
	// Zombies are exited threads not yet reclaimed.
	Zombies []ThreadID
	// Live is the number of threads that have not exited.
	Live int
	// Switches counts context switches.
	Switches uint64
	// Wakes counts effective Wake calls.
	Wakes uint64
}

// GetState returns a snapshot of the scheduler.
func (s *Scheduler) GetState() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SchedulerState{
		Ready:    queueIDs(&s.ready),
		Deadline: queueIDs(&s.timeq),
		Blocked:  queueIDs(&s.blockq),
		Zombies:  queueIDs(&s.zombies),
		Live:     len(s.threads),
		Switches: s.switches.Load(),
		Wakes:    s.wakes.Load(),
	}
	if s.current != nil {
		st.Current = s.current.id
	}
	return st
}

// ThreadInfo describes one live thread.
type ThreadInfo struct {
	ID       ThreadID
	Name     string
	State    string
	WakeupNS int64
}

// Threads describes every thread that has not exited, ordered by ID.
func (s *Scheduler) Threads() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ThreadInfo, 0, len(s.threads))
	for id := ThreadID(1); id <= s.nextID; id++ {
		t, ok := s.threads[id]
		if !ok {
			continue
		}
		infos = append(infos, ThreadInfo{
			ID:       t.id,
			Name:     t.name,
			State:    t.state.String(),
			WakeupNS: t.wakeupNS,
		})
	}
	return infos
}

// CheckInvariants verifies that every thread sits in exactly one place
// matching its state: the CPU, the ready queue, the deadline queue, the
// block queue or the zombie queue. A thread between BlockPrepare and its
// next dispatch may be both running and queued.
func (s *Scheduler) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	where := make(map[*Thread]ThreadState)
	queues := []struct {
		l     *ilist.List
		state ThreadState
	}{
		{&s.ready, StateReady},
		{&s.timeq, StateDeadlineBlocked},
		{&s.blockq, StateBlocked},
		{&s.zombies, StateZombie},
	}
	for _, q := range queues {
		for e := q.l.Front(); e != nil; e = e.Next() {
			t := e.(*Thread)
			if prev, ok := where[t]; ok {
				return fmt.Errorf("thread %d on both %v and %v queues", t.id, prev, q.state)
			}
			if t.state != q.state {
				return fmt.Errorf("thread %d in state %v on %v queue", t.id, t.state, q.state)
			}
			where[t] = q.state
		}
	}

	last := int64(-1)
	for e := s.timeq.Front(); e != nil; e = e.Next() {
		t := e.(*Thread)
		if t.wakeupNS < last {
			return fmt.Errorf("deadline queue out of order at thread %d", t.id)
		}
		last = t.wakeupNS
	}

	for _, t := range s.threads {
		_, queued := where[t]
		switch {
		case t == s.current && !queued:
			if t.state != StateRunning {
				return fmt.Errorf("running thread %d in state %v", t.id, t.state)
			}
		case t == s.current && t.flags&flagBlockPrep == 0:
			return fmt.Errorf("running thread %d is also queued", t.id)
		case !queued && t != s.current:
			return fmt.Errorf("thread %d (%v) is on no queue", t.id, t.state)
		}
	}
	for t := range where {
		if _, live := s.threads[t.id]; !live && t.state != StateZombie {
			return fmt.Errorf("unknown thread %d queued", t.id)
		}
	}
	return nil
}

func queueIDs(l *ilist.List) []ThreadID {
	var ids []ThreadID
	for e := l.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.(*Thread).id)
	}
	return ids
}
