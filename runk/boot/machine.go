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

// Package boot assembles a machine from its configuration and runs
// workloads on it.
package boot

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/bucket"
	"github.com/nerdsane/rumpcore/pkg/ksync"
	"github.com/nerdsane/rumpcore/pkg/ktime"
	"github.com/nerdsane/rumpcore/pkg/rand"
	"github.com/nerdsane/rumpcore/pkg/sched"
	"github.com/nerdsane/rumpcore/pkg/vcpu"
	"github.com/nerdsane/rumpcore/runk/config"
)

// Machine is a booted memory arena with its allocators, scheduler, virtual
// CPUs and synchronization environment.
type Machine struct {
	Config config.Config

	Pages *buddy.Allocator
	Heap  *bucket.Allocator
	Clock ktime.Clock
	Sched *sched.Scheduler
	VCPU  *vcpu.Pool
	Sync  *ksync.Env

	// Rand is the workload's random source. Only the running thread may
	// use it.
	Rand *rand.Source

	trace *tracer
}

// New builds a machine. Nothing runs until Run.
func New(cfg config.Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	pages := buddy.New(cfg.BuddyConfig())
	if err := pages.Init(buddy.Addr(cfg.ArenaBase), cfg.ArenaSize); err != nil {
		return nil, fmt.Errorf("initializing arena: %w", err)
	}
	heap := bucket.New(cfg.BucketConfig(), pages)
	clock := ktime.New(ktime.Kind(cfg.Clock))
	s := sched.New(cfg.SchedConfig(), clock, pages, heap)
	pool := vcpu.New(s, cfg.VCPUs)
	pool.Install()

	m := &Machine{
		Config: cfg,
		Pages:  pages,
		Heap:   heap,
		Clock:  clock,
		Sched:  s,
		VCPU:   pool,
		Sync:   ksync.NewEnv(s, pool),
		Rand:   rand.New(cfg.Seed),
		trace:  newTracer(),
	}
	s.AddListener(m.trace)

	st := pages.Stats()
	log.Infof("boot: arena %#x+%#x, %d pages, %d vCPUs, %s clock, seed %d",
		cfg.ArenaBase, cfg.ArenaSize, st.TotalPages, cfg.VCPUs, cfg.Clock, cfg.Seed)
	return m, nil
}

// Spawn creates a joinable thread running fn on a virtual CPU.
func (m *Machine) Spawn(name string, fn func()) (*sched.Thread, error) {
	return m.Sched.Create(name, func(any) {
		m.VCPU.Enter()
		defer m.VCPU.Exit()
		fn()
	}, nil, sched.CreateOpts{Joinable: true, Cookie: name})
}

// JoinAll joins every thread in threads.
func (m *Machine) JoinAll(threads []*sched.Thread) error {
	for _, t := range threads {
		if err := m.Sched.Join(t); err != nil {
			return err
		}
	}
	return nil
}

// Fingerprint is a digest of every scheduling event so far. Two runs with
// the same seed on the virtual clock have the same fingerprint.
func (m *Machine) Fingerprint() string {
	return m.trace.sum()
}

// tracer folds scheduling events into a running hash.
type tracer struct {
	mu     sync.Mutex
	h      hash.Hash64
	events uint64
}

func newTracer() *tracer {
	return &tracer{h: fnv.New64a()}
}

const (
	evScheduled byte = iota + 1
	evBlocked
	evWoken
	evExited
)

func (tr *tracer) record(ev byte, tid sched.ThreadID) {
	var buf [9]byte
	buf[0] = ev
	binary.LittleEndian.PutUint64(buf[1:], uint64(tid))
	tr.mu.Lock()
	tr.h.Write(buf[:])
	tr.events++
	tr.mu.Unlock()
}

func (tr *tracer) sum() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return fmt.Sprintf("%016x", tr.h.Sum64())
}

func (tr *tracer) count() uint64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.events
}

// OnThreadScheduled implements sched.Listener.
func (tr *tracer) OnThreadScheduled(tid sched.ThreadID) { tr.record(evScheduled, tid) }

// OnThreadBlocked implements sched.Listener.
func (tr *tracer) OnThreadBlocked(tid sched.ThreadID) { tr.record(evBlocked, tid) }

// OnThreadWoken implements sched.Listener.
func (tr *tracer) OnThreadWoken(tid sched.ThreadID) { tr.record(evWoken, tid) }

// OnThreadExited implements sched.Listener.
func (tr *tracer) OnThreadExited(tid sched.ThreadID) { tr.record(evExited, tid) }
