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

// Package ksync provides the blocking synchronization primitives used by
// the embedded kernel: mutexes, reader-writer locks and condition
// variables.
//
// The primitives rely on the single running thread for atomicity: a
// check-and-set needs no atomic instruction because nothing else runs until
// the caller suspends. Every blocking path hands the embedding kernel's
// virtual CPU back through a Token before suspending and restores it after
// waking.
package ksync

import (
	"gvisor.dev/gvisor/pkg/ilist"

	"github.com/nerdsane/rumpcore/pkg/halt"
	"github.com/nerdsane/rumpcore/pkg/ktime"
	"github.com/nerdsane/rumpcore/pkg/sched"
)

// Token is the schedule-token protocol of the embedding kernel.
type Token interface {
	// Unschedule releases the caller's virtual CPU and returns its hold
	// depth.
	Unschedule() int
	// Reschedule restores a hold depth returned by Unschedule.
	Reschedule(depth int)
}

// Scheduler is the subset of *sched.Scheduler used by the primitives.
type Scheduler interface {
	Current() *sched.Thread
	BlockPrepare(deadlineNS int64)
	Block() bool
	Wake(t *sched.Thread)
	Clock() ktime.Clock
}

type nopToken struct{}

func (nopToken) Unschedule() int { return 0 }
func (nopToken) Reschedule(int)  {}

// Env binds primitives to a scheduler and a token.
type Env struct {
	s   Scheduler
	tok Token
}

// NewEnv returns an Env. A nil tok is a token with no virtual CPUs.
func NewEnv(s Scheduler, tok Token) *Env {
	if tok == nil {
		tok = nopToken{}
	}
	return &Env{s: s, tok: tok}
}

func (e *Env) current() *sched.Thread {
	t := e.s.Current()
	if t == nil {
		halt.Haltf("ksync: used outside a thread")
	}
	return t
}

type waiter struct {
	ilist.Entry
	t      *sched.Thread
	queued bool
}

// waitQueue is a FIFO list of blocked threads.
type waitQueue struct {
	l ilist.List
	n int
}

func (q *waitQueue) empty() bool {
	return q.n == 0
}

// wait blocks the current thread on q until it is woken or deadlineNS
// passes. It reports whether the deadline passed.
func (q *waitQueue) wait(e *Env, deadlineNS int64) bool {
	w := &waiter{t: e.current(), queued: true}
	q.l.PushBack(w)
	q.n++
	e.s.BlockPrepare(deadlineNS)
	timedOut := e.s.Block()
	if w.queued {
		q.remove(w)
	}
	return timedOut
}

func (q *waitQueue) remove(w *waiter) {
	q.l.Remove(w)
	q.n--
	w.queued = false
}

// wakeOne wakes the longest waiting thread, if any.
func (q *waitQueue) wakeOne(e *Env) {
	if f := q.l.Front(); f != nil {
		w := f.(*waiter)
		q.remove(w)
		e.s.Wake(w.t)
	}
}

func (q *waitQueue) wakeAll(e *Env) {
	for !q.empty() {
		q.wakeOne(e)
	}
}
