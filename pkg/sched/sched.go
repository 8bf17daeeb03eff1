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

// Package sched implements the cooperative thread scheduler of the
// unikernel substrate.
//
// Exactly one thread executes at any instant. Each thread is backed by a
// goroutine that only runs while it holds the CPU permit, a one-slot
// channel owned by the thread; a context switch hands the permit to the
// next thread and parks the previous one on its own permit. Threads only
// lose the CPU at explicit suspension points: Yield, Block, Join and Exit.
//
// Scheduler.mu plays the role of masking interrupts. It guards the run
// queues and per-thread scheduling state so that interrupt handlers,
// which are foreign goroutines, may call Wake at any time. No other
// locking is needed anywhere in the substrate: code running on a thread
// owns the machine until it suspends. Introducing real parallelism would
// require revisiting every structure that relies on this.
package sched

import (
	"fmt"
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/bucket"
	"github.com/nerdsane/rumpcore/pkg/halt"
	"github.com/nerdsane/rumpcore/pkg/ktime"
)

// NoDeadline blocks a thread until it is explicitly woken.
const NoDeadline = ktime.NoDeadline

// PageAllocator provides thread stacks.
type PageAllocator interface {
	Alloc(order int) (buddy.Addr, bool)
	Free(addr buddy.Addr, order int)
}

// Heap provides thread TLS areas.
type Heap interface {
	Calloc(n, size, align uint64, owner bucket.Owner) (buddy.Addr, error)
	Free(ptr buddy.Addr, owner bucket.Owner)
	Bytes(ptr buddy.Addr, n uint64) []byte
}

// Config configures a Scheduler.
type Config struct {
	// StackOrder is the page order of scheduler-allocated stacks.
	StackOrder int

	// TLSSize and TLSAlign describe each thread's TLS area.
	TLSSize  uint64
	TLSAlign uint64

	// HaltOnDeadlock halts when every thread is blocked with no deadline
	// pending. Only meaningful when no interrupt source exists, as with
	// virtual time in tests.
	HaltOnDeadlock bool
}

// DefaultConfig returns 16 KiB stacks and a 256 byte TLS area.
func DefaultConfig() Config {
	return Config{
		StackOrder: 2,
		TLSSize:    256,
		TLSAlign:   64,
	}
}

// Scheduler is a single-CPU cooperative scheduler. Create one per
// simulated machine; instances are fully independent.
type Scheduler struct {
	mu sync.Mutex

	cfg   Config
	clock ktime.Clock
	pages PageAllocator
	heap  Heap

	// current is the thread holding the CPU permit.
	current *Thread

	// ready is FIFO. timeq is sorted by ascending wakeup time. blockq is
	// unordered. zombies await reclamation by another thread.
	ready   ilist.List
	timeq   ilist.List
	blockq  ilist.List
	zombies ilist.List

	// joinq holds joinWaiters of threads blocked in Join.
	joinq ilist.List

	// threads holds every created thread that has not exited.
	threads map[ThreadID]*Thread
	nextID  ThreadID

	main   *Thread
	booted bool

	hook      func(prev, next any)
	listeners []Listener

	// intr is the interrupt line of the idle CPU.
	intr chan struct{}

	// done is closed when the machine halts.
	done    chan struct{}
	stopped bool
	haltErr *halt.Error

	switches atomicbitops.Uint64
	wakes    atomicbitops.Uint64
}

// New returns a scheduler that allocates stacks from pages and TLS from
// heap, and keeps time with clock.
func New(cfg Config, clock ktime.Clock, pages PageAllocator, heap Heap) *Scheduler {
	if cfg.TLSAlign == 0 {
		cfg.TLSAlign = bucket.MinAlign
	}
	return &Scheduler{
		cfg:     cfg,
		clock:   clock,
		pages:   pages,
		heap:    heap,
		threads: make(map[ThreadID]*Thread),
		intr:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() ktime.Clock {
	return s.clock
}

// Boot runs main as the first thread and returns when main returns or the
// machine halts. A halt caused by an invariant violation in any thread is
// returned as a *halt.Error.
func (s *Scheduler) Boot(main func()) error {
	s.mu.Lock()
	if s.booted {
		s.mu.Unlock()
		return fmt.Errorf("sched: already booted: %w", linuxerr.EBUSY)
	}
	s.booted = true
	s.mu.Unlock()

	t, err := s.Create("main", func(any) { main() }, nil, CreateOpts{})
	if err != nil {
		return fmt.Errorf("sched: creating main thread: %w", err)
	}
	s.main = t
	log.Infof("sched: booting, main thread %d", t.id)

	if herr := halt.Catch(func() {
		s.mu.Lock()
		next := s.pickNextLocked()
		if next == nil {
			s.mu.Unlock()
			return
		}
		s.switchLocked(nil, next)
	}); herr != nil {
		s.stop(herr)
	}

	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haltErr != nil {
		return s.haltErr
	}
	return nil
}

// Done is closed when the machine halts.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// SetHook registers fn to be called on every switch between two distinct
// threads with their cookies. It replaces any earlier hook.
func (s *Scheduler) SetHook(fn func(prevCookie, nextCookie any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// AddListener registers l for scheduling events.
func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Current returns the running thread, or nil before Boot.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Yield puts the calling thread at the tail of the ready queue and runs the
// scheduler.
func (s *Scheduler) Yield() {
	t := s.mustCurrent("Yield")
	s.mu.Lock()
	t.state = StateReady
	s.ready.PushBack(t)
	s.mu.Unlock()
	s.schedule()
}

// schedule gives the CPU to the next runnable thread. The caller must have
// already placed itself on the queue matching its new state. It returns
// once the caller holds the CPU again, or, for an exiting thread, right
// after the CPU has been handed away.
func (s *Scheduler) schedule() {
	s.mu.Lock()
	prev := s.current
	switch prev.state {
	case StateReady, StateBlocked, StateDeadlineBlocked, StateZombie:
	default:
		s.fatalLocked("sched: thread %q entered the scheduler in state %v", prev.name, prev.state)
	}
	next := s.pickNextLocked()
	if next == nil {
		// Halted while idle.
		s.mu.Unlock()
		runtime.Goexit()
	}
	if next == prev {
		s.current = next
		next.state = StateRunning
		s.mu.Unlock()
		return
	}
	zombie := prev.state == StateZombie
	s.switchLocked(prev, next)

	if zombie {
		return
	}
	select {
	case <-prev.permit:
	case <-s.done:
		runtime.Goexit()
	}
	s.reap()
}

// pickNextLocked expires deadlines and dequeues the next runnable thread,
// idling the CPU while there is none. It returns nil if the machine halts
// meanwhile. s.mu must be held; it is dropped while idle.
func (s *Scheduler) pickNextLocked() *Thread {
	for {
		if s.stopped {
			return nil
		}

		now := s.clock.NowNS()
		wakeup := NoDeadline
		for e := s.timeq.Front(); e != nil; {
			t := e.(*Thread)
			if t.wakeupNS > now {
				wakeup = t.wakeupNS
				break
			}
			e = e.Next()
			s.timeq.Remove(t)
			t.flags |= flagTimedOut
			s.makeReadyLocked(t)
		}

		if e := s.ready.Front(); e != nil {
			t := e.(*Thread)
			s.ready.Remove(t)
			t.flags &^= flagBlockPrep
			return t
		}

		if wakeup == NoDeadline && s.cfg.HaltOnDeadlock {
			s.fatalLocked("sched: deadlock, all %d threads blocked without a deadline", len(s.threads))
		}

		s.mu.Unlock()
		s.clock.Idle(wakeup, s.intr)
		s.mu.Lock()
	}
}

// switchLocked makes next the running thread and hands it the CPU. prev is
// nil when switching from the boot context. s.mu is released.
func (s *Scheduler) switchLocked(prev, next *Thread) {
	s.current = next
	next.state = StateRunning
	hook := s.hook
	listeners := s.listeners
	s.mu.Unlock()

	s.switches.Add(1)
	var prevCookie any
	if prev != nil {
		prevCookie = prev.cookie
	}
	if hook != nil {
		hook(prevCookie, next.cookie)
	}
	for _, l := range listeners {
		l.OnThreadScheduled(next.id)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("sched: switch to %d (%s)", next.id, next.name)
	}
	next.permit <- struct{}{}
}

// reap frees every zombie other than the running thread.
func (s *Scheduler) reap() {
	s.mu.Lock()
	var dead []*Thread
	for e := s.zombies.Front(); e != nil; {
		t := e.(*Thread)
		e = e.Next()
		if t == s.current {
			continue
		}
		s.zombies.Remove(t)
		t.state = StateReclaimed
		dead = append(dead, t)
	}
	s.mu.Unlock()

	for _, t := range dead {
		s.releaseMemory(t)
		if log.IsLogging(log.Debug) {
			log.Debugf("sched: reclaimed thread %d (%s)", t.id, t.name)
		}
	}
}

// stop halts the machine. err is nil for a clean shutdown.
func (s *Scheduler) stop(err *halt.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.haltErr = err
	close(s.done)
	s.kick()
	if err != nil {
		log.Warningf("sched: machine halted: %v", err)
	} else {
		log.Infof("sched: machine halted")
	}
}

// kick raises the idle CPU's interrupt line.
func (s *Scheduler) kick() {
	select {
	case s.intr <- struct{}{}:
	default:
	}
}

// fatalLocked drops s.mu and halts.
func (s *Scheduler) fatalLocked(format string, args ...any) {
	s.mu.Unlock()
	halt.Haltf(format, args...)
}

func (s *Scheduler) mustCurrent(op string) *Thread {
	t := s.Current()
	if t == nil {
		halt.Haltf("sched: %s called outside a thread", op)
	}
	return t
}
