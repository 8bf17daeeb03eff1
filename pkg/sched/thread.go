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
	"runtime"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/bucket"
	"github.com/nerdsane/rumpcore/pkg/halt"
)

// ThreadID identifies a thread for its lifetime.
type ThreadID uint64

// ThreadState is the scheduling state of a thread.
type ThreadState int

const (
	// StateReady threads are on the ready queue.
	StateReady ThreadState = iota
	// StateRunning is the thread holding the CPU.
	StateRunning
	// StateDeadlineBlocked threads are on the deadline queue.
	StateDeadlineBlocked
	// StateBlocked threads are on the block queue.
	StateBlocked
	// StateZombie threads have exited and await reclamation.
	StateZombie
	// StateReclaimed threads have had their memory released.
	StateReclaimed
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDeadlineBlocked:
		return "deadline-blocked"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	case StateReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("ThreadState(%d)", int(s))
	}
}

type threadFlags uint32

const (
	// flagMustJoin marks a joinable thread whose join has not completed.
	flagMustJoin threadFlags = 1 << iota
	// flagJoined marks a joinable thread that reached Exit.
	flagJoined
	// flagExtStack marks a caller-owned stack.
	flagExtStack
	// flagTimedOut is set when a deadline expired the last block.
	flagTimedOut
	// flagBlockPrep is set between BlockPrepare and the next dispatch.
	flagBlockPrep
)

// NumTLSSlots is the number of per-thread value slots.
const NumTLSSlots = 8

// Stack is a caller-owned thread stack. The scheduler never frees it.
type Stack struct {
	Addr  buddy.Addr
	Order int
}

// CreateOpts are optional Create parameters.
type CreateOpts struct {
	// Stack, if set, is used instead of a scheduler-allocated stack.
	Stack *Stack

	// Joinable threads do not terminate until another thread joins them.
	Joinable bool

	// Cookie is passed to the switch hook.
	Cookie any
}

// Thread is a thread control block.
//
// +stateify savable
type Thread struct {
	// Entry links the thread into exactly one run queue. Protected by
	// Scheduler.mu.
	ilist.Entry

	s    *Scheduler
	id   ThreadID
	name string

	// state, flags and wakeupNS are protected by Scheduler.mu.
	state    ThreadState
	flags    threadFlags
	wakeupNS int64

	// cookie and slots are only accessed by the thread itself, or by the
	// scheduler while switching to or from it.
	cookie any
	slots  [NumTLSSlots]any

	stack Stack
	tls   buddy.Addr

	entry func(arg any)
	arg   any

	// permit is the CPU. Capacity 1.
	permit chan struct{}
}

// ID returns the thread's ID.
func (t *Thread) ID() ThreadID {
	return t.id
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	return t.name
}

// State returns the thread's scheduling state.
func (t *Thread) State() ThreadState {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.state
}

// Cookie returns the thread's switch hook cookie.
func (t *Thread) Cookie() any {
	return t.cookie
}

// SetCookie replaces the thread's switch hook cookie. Only the thread
// itself may call it.
func (t *Thread) SetCookie(c any) {
	t.cookie = c
}

// Stack returns the thread's stack.
func (t *Thread) Stack() Stack {
	return t.stack
}

// TLS returns the value in slot i. Only the thread itself may call it.
func (t *Thread) TLS(i int) any {
	checkSlot(i)
	return t.slots[i]
}

// SetTLS stores v in slot i. Only the thread itself may call it.
func (t *Thread) SetTLS(i int, v any) {
	checkSlot(i)
	t.slots[i] = v
}

func checkSlot(i int) {
	if i < 0 || i >= NumTLSSlots {
		halt.Haltf("sched: TLS slot %d out of range [0, %d)", i, NumTLSSlots)
	}
}

// TLSArea returns the thread's TLS memory.
func (t *Thread) TLSArea() []byte {
	return t.s.heap.Bytes(t.tls, t.s.cfg.TLSSize)
}

// Create makes a new ready thread running entry(arg). The stack comes from
// opts.Stack or the page allocator; the TLS area is zeroed.
func (s *Scheduler) Create(name string, entry func(arg any), arg any, opts CreateOpts) (*Thread, error) {
	t := &Thread{
		s:        s,
		name:     name,
		wakeupNS: NoDeadline,
		cookie:   opts.Cookie,
		entry:    entry,
		arg:      arg,
		permit:   make(chan struct{}, 1),
	}
	if opts.Joinable {
		t.flags |= flagMustJoin
	}
	if opts.Stack != nil {
		t.stack = *opts.Stack
		t.flags |= flagExtStack
	} else {
		addr, ok := s.pages.Alloc(s.cfg.StackOrder)
		if !ok {
			return nil, fmt.Errorf("sched: stack for %q: %w", name, linuxerr.ENOMEM)
		}
		t.stack = Stack{Addr: addr, Order: s.cfg.StackOrder}
	}
	tls, err := s.heap.Calloc(1, s.cfg.TLSSize, s.cfg.TLSAlign, bucket.OwnerWired)
	if err != nil {
		if t.flags&flagExtStack == 0 {
			s.pages.Free(t.stack.Addr, t.stack.Order)
		}
		return nil, fmt.Errorf("sched: TLS for %q: %w", name, err)
	}
	t.tls = tls

	s.mu.Lock()
	s.nextID++
	t.id = s.nextID
	s.threads[t.id] = t
	t.state = StateReady
	s.ready.PushBack(t)
	s.mu.Unlock()

	go s.trampoline(t)
	log.Debugf("sched: created thread %d (%s)", t.id, name)
	return t, nil
}

// trampoline is the body of a thread's goroutine.
func (s *Scheduler) trampoline(t *Thread) {
	defer func() {
		if err := halt.Recovered(recover()); err != nil {
			s.stop(err)
		}
	}()
	select {
	case <-t.permit:
	case <-s.done:
		return
	}
	s.reap()

	t.entry(t.arg)

	if t == s.main {
		s.stop(nil)
		return
	}
	s.exit(t)
}

// Exit terminates the calling thread. A joinable thread first waits for
// its joiner. Deferred calls pending in the thread's entry function run
// only once the machine halts.
func (s *Scheduler) Exit() {
	t := s.mustCurrent("Exit")
	if t == s.main {
		s.stop(nil)
	} else {
		s.exit(t)
	}
	<-s.done
	runtime.Goexit()
}

// exit turns t into a zombie and hands the CPU away. It returns once t's
// goroutine no longer owns the CPU.
func (s *Scheduler) exit(t *Thread) {
	s.mu.Lock()
	for t.flags&flagMustJoin != 0 {
		t.flags |= flagJoined
		for e := s.joinq.Front(); e != nil; e = e.Next() {
			w := e.(*joinWaiter)
			if w.target == t {
				s.joinq.Remove(w)
				w.queued = false
				s.wakeLocked(w.t)
				break
			}
		}
		s.blockPrepareLocked(t, NoDeadline)
		s.mu.Unlock()
		s.schedule()
		s.mu.Lock()
	}
	delete(s.threads, t.id)
	t.state = StateZombie
	s.zombies.PushBack(t)
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnThreadExited(t.id)
	}
	log.Debugf("sched: thread %d (%s) exited", t.id, t.name)
	s.schedule()

	s.mu.Lock()
	if s.current == t {
		s.fatalLocked("sched: zombie thread %q was rescheduled", t.name)
	}
	s.mu.Unlock()
}

// joinWaiter records a thread blocked in Join.
type joinWaiter struct {
	ilist.Entry
	t      *Thread
	target *Thread
	queued bool
}

// Join waits until target has called Exit, then lets it terminate. target
// must have been created joinable.
func (s *Scheduler) Join(target *Thread) error {
	t := s.mustCurrent("Join")
	if target == t {
		return fmt.Errorf("sched: thread %q joining itself: %w", t.name, linuxerr.EDEADLK)
	}
	s.mu.Lock()
	if target.flags&flagMustJoin == 0 {
		s.mu.Unlock()
		return fmt.Errorf("sched: thread %q is not joinable: %w", target.name, linuxerr.EINVAL)
	}
	for target.flags&flagJoined == 0 {
		w := &joinWaiter{t: t, target: target, queued: true}
		s.joinq.PushBack(w)
		s.blockPrepareLocked(t, NoDeadline)
		s.mu.Unlock()
		s.schedule()
		s.mu.Lock()
		if w.queued {
			s.joinq.Remove(w)
		}
	}
	target.flags &^= flagMustJoin
	s.wakeLocked(target)
	s.mu.Unlock()
	return nil
}

// releaseMemory frees a reclaimed thread's stack and TLS.
func (s *Scheduler) releaseMemory(t *Thread) {
	if t.flags&flagExtStack == 0 {
		s.pages.Free(t.stack.Addr, t.stack.Order)
	}
	s.heap.Free(t.tls, bucket.OwnerWired)
}
