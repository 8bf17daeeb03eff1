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

package boot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gvisor.dev/gvisor/pkg/log"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/bucket"
	"github.com/nerdsane/rumpcore/pkg/ksync"
	"github.com/nerdsane/rumpcore/pkg/sched"
	"github.com/nerdsane/rumpcore/pkg/vcpu"
)

// PhaseResult is the outcome of one workload phase.
type PhaseResult struct {
	Name     string            `json:"name"`
	Threads  int               `json:"threads"`
	Ops      uint64            `json:"ops"`
	StartNS  int64             `json:"start_ns"`
	EndNS    int64             `json:"end_ns"`
	Counters map[string]uint64 `json:"counters,omitempty"`
}

func (r *PhaseResult) add(counter string, n uint64) {
	if r.Counters == nil {
		r.Counters = make(map[string]uint64)
	}
	r.Counters[counter] += n
}

// Phase is one workload step. Run executes on the machine's main thread.
type Phase struct {
	Name string
	Run  func(m *Machine, res *PhaseResult) error
}

// Phases returns every phase in the default order.
func Phases() []Phase {
	return []Phase{
		{Name: "mutex", Run: runMutex},
		{Name: "rwlock", Run: runRWLock},
		{Name: "condvar", Run: runCondvar},
		{Name: "sleep", Run: runSleep},
		{Name: "alloc", Run: runAlloc},
		{Name: "join", Run: runJoin},
	}
}

// SelectPhases returns the phases named in a comma separated list, in
// list order. An empty list selects all phases.
func SelectPhases(names string) ([]Phase, error) {
	all := Phases()
	if names == "" {
		return all, nil
	}
	byName := make(map[string]Phase, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}
	var out []Phase
	for _, n := range strings.Split(names, ",") {
		p, ok := byName[strings.TrimSpace(n)]
		if !ok {
			return nil, fmt.Errorf("unknown phase %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}

// Report summarizes a run.
type Report struct {
	Seed        uint64        `json:"seed"`
	Clock       string        `json:"clock"`
	Phases      []PhaseResult `json:"phases"`
	NowNS       int64         `json:"now_ns"`
	Switches    uint64        `json:"switches"`
	Wakes       uint64        `json:"wakes"`
	Events      uint64        `json:"events"`
	Fingerprint string        `json:"fingerprint"`
	VCPU        vcpu.Stats    `json:"vcpu"`
	Pages       buddy.Stats   `json:"pages"`
	Heap        bucket.Stats  `json:"heap"`
}

// Run boots the machine and runs phases in order on its main thread. After
// each phase the scheduler and page allocator invariants are checked.
func (m *Machine) Run(phases []Phase) (*Report, error) {
	rep := &Report{
		Seed:  m.Config.Seed,
		Clock: m.Config.Clock,
	}
	var runErr error
	err := m.Sched.Boot(func() {
		for _, p := range phases {
			res := PhaseResult{Name: p.Name, StartNS: m.Clock.NowNS()}
			if err := p.Run(m, &res); err != nil {
				runErr = fmt.Errorf("phase %s: %w", p.Name, err)
				return
			}
			res.EndNS = m.Clock.NowNS()
			if err := m.Sched.CheckInvariants(); err != nil {
				runErr = fmt.Errorf("after phase %s: scheduler: %w", p.Name, err)
				return
			}
			if err := m.Pages.CheckInvariants(); err != nil {
				runErr = fmt.Errorf("after phase %s: pages: %w", p.Name, err)
				return
			}
			log.Infof("boot: phase %s: %d threads, %d ops, %dns", p.Name, res.Threads, res.Ops, res.EndNS-res.StartNS)
			rep.Phases = append(rep.Phases, res)
		}
	})
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}

	st := m.Sched.GetState()
	rep.NowNS = m.Clock.NowNS()
	rep.Switches = st.Switches
	rep.Wakes = st.Wakes
	rep.Events = m.trace.count()
	rep.Fingerprint = m.Fingerprint()
	rep.VCPU = m.VCPU.Stats()
	rep.Pages = m.Pages.Stats()
	rep.Heap = m.Heap.Stats()
	return rep, nil
}

// SleepUntil blocks the current thread until deadlineNS with its virtual
// CPU released.
func (m *Machine) SleepUntil(deadlineNS int64) bool {
	depth := m.VCPU.Unschedule()
	timedOut := m.Sched.SleepUntil(deadlineNS)
	m.VCPU.Reschedule(depth)
	return timedOut
}

// pause gives up the CPU for a random short while, or not at all.
func (m *Machine) pause() {
	switch m.Rand.Intn(3) {
	case 1:
		m.Sched.Yield()
	case 2:
		m.SleepUntil(m.Clock.NowNS() + int64(m.Rand.Intn(50)+1)*1000)
	}
}

func (m *Machine) spawnWorkers(prefix string, n int, fn func(i int)) ([]*sched.Thread, error) {
	threads := make([]*sched.Thread, 0, n)
	for i := 0; i < n; i++ {
		i := i
		t, err := m.Spawn(fmt.Sprintf("%s-%d", prefix, i), func() { fn(i) })
		if err != nil {
			return threads, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

func runMutex(m *Machine, res *PhaseResult) error {
	w, iters := m.Config.Workers, m.Config.Iterations
	mu := m.Sync.NewMutex(0)
	counter := 0
	busy := uint64(0)
	threads, err := m.spawnWorkers("mutex", w, func(int) {
		for j := 0; j < iters; j++ {
			if mu.TryLock() != nil {
				busy++
				mu.Lock()
			}
			c := counter
			m.pause()
			counter = c + 1
			mu.Unlock()
		}
	})
	if err != nil {
		return err
	}
	if err := m.JoinAll(threads); err != nil {
		return err
	}
	res.Threads = w
	res.Ops = uint64(counter)
	res.add("contended", busy)
	if counter != w*iters {
		return fmt.Errorf("counter = %d, want %d", counter, w*iters)
	}
	return nil
}

func runRWLock(m *Machine, res *PhaseResult) error {
	readers, iters := m.Config.Workers, m.Config.Iterations
	writers := readers / 4
	if writers == 0 {
		writers = 1
	}
	rw := m.Sync.NewRWLock()
	data := make([]uint64, 8)
	version := uint64(0)
	var reads, writes, downgrades, torn uint64

	check := func() {
		first := data[0]
		for _, v := range data[1:] {
			if v != first {
				torn++
				return
			}
		}
	}

	wt, err := m.spawnWorkers("writer", writers, func(int) {
		for j := 0; j < iters; j++ {
			rw.Enter(ksync.Writer)
			version++
			for k := range data {
				data[k] = version
				if k == len(data)/2 {
					m.pause()
				}
			}
			writes++
			if m.Rand.Intn(4) == 0 {
				rw.Downgrade()
				downgrades++
				m.pause()
				check()
			}
			rw.Exit()
			m.pause()
		}
	})
	if err != nil {
		return err
	}
	rt, err := m.spawnWorkers("reader", readers, func(int) {
		for j := 0; j < iters; j++ {
			rw.Enter(ksync.Reader)
			m.pause()
			check()
			reads++
			rw.Exit()
		}
	})
	if err != nil {
		return err
	}
	if err := m.JoinAll(append(wt, rt...)); err != nil {
		return err
	}
	res.Threads = readers + writers
	res.Ops = reads + writes
	res.add("reads", reads)
	res.add("writes", writes)
	res.add("downgrades", downgrades)
	if torn != 0 {
		return fmt.Errorf("%d torn reads", torn)
	}
	if version != uint64(writers*iters) {
		return fmt.Errorf("version = %d, want %d", version, writers*iters)
	}
	return nil
}

func runCondvar(m *Machine, res *PhaseResult) error {
	iters := m.Config.Iterations
	mu := m.Sync.NewMutex(ksync.MutexKernel)
	cv := m.Sync.NewCond()
	idle := m.Sync.NewCond()
	turn := 0
	var rounds, timeouts uint64

	player := func(me int) {
		for j := 0; j < iters; j++ {
			mu.Lock()
			for turn != me {
				cv.Wait(mu)
			}
			turn = 1 - me
			rounds++
			cv.Broadcast()
			mu.Unlock()
		}
	}
	threads, err := m.spawnWorkers("player", 2, player)
	if err != nil {
		return err
	}
	timerRounds := iters/4 + 1
	timer, err := m.Spawn("timer", func() {
		mu.Lock()
		for j := 0; j < timerRounds; j++ {
			if idle.TimedWait(mu, 100*time.Microsecond) != nil {
				timeouts++
			}
		}
		mu.Unlock()
	})
	if err != nil {
		return err
	}
	if err := m.JoinAll(append(threads, timer)); err != nil {
		return err
	}
	res.Threads = 3
	res.Ops = rounds
	res.add("timeouts", timeouts)
	if rounds != uint64(2*iters) {
		return fmt.Errorf("rounds = %d, want %d", rounds, 2*iters)
	}
	if timeouts != uint64(timerRounds) {
		return fmt.Errorf("timeouts = %d, want %d", timeouts, timerRounds)
	}
	return nil
}

func runSleep(m *Machine, res *PhaseResult) error {
	w := m.Config.Workers * 2
	start := m.Clock.NowNS()
	deadlines := make([]int64, w)
	for i := range deadlines {
		deadlines[i] = start + int64(m.Rand.Intn(1000)+1000)*1000
	}
	var woke []int64
	late := uint64(0)
	// Sleepers hold no virtual CPU so that all of them start sleeping
	// before the clock moves.
	threads := make([]*sched.Thread, 0, w)
	for i := 0; i < w; i++ {
		i := i
		t, err := m.Sched.Create(fmt.Sprintf("sleeper-%d", i), func(any) {
			if !m.Sched.SleepUntil(deadlines[i]) {
				late++
			}
			woke = append(woke, deadlines[i])
		}, nil, sched.CreateOpts{Joinable: true})
		if err != nil {
			return err
		}
		threads = append(threads, t)
	}
	if err := m.JoinAll(threads); err != nil {
		return err
	}
	res.Threads = w
	res.Ops = uint64(len(woke))
	if late != 0 {
		return fmt.Errorf("%d sleepers woken without a timeout", late)
	}
	if !sort.SliceIsSorted(woke, func(a, b int) bool { return woke[a] < woke[b] }) {
		return fmt.Errorf("sleepers woke out of deadline order: %v", woke)
	}
	return nil
}

type allocation struct {
	ptr   buddy.Addr
	size  uint64
	owner bucket.Owner
	fill  byte
}

func runAlloc(m *Machine, res *PhaseResult) error {
	w, iters := m.Config.Workers, m.Config.Iterations
	baseline := map[bucket.Owner]uint64{
		bucket.OwnerKernel: m.Heap.OwnerStats(bucket.OwnerKernel).BytesLive,
		bucket.OwnerUser:   m.Heap.OwnerStats(bucket.OwnerUser).BytesLive,
	}
	var allocs, frees, reallocs, pages, enomem uint64
	var failure error

	fail := func(format string, args ...any) {
		if failure == nil {
			failure = fmt.Errorf(format, args...)
		}
	}
	verify := func(a allocation, n uint64) {
		for i, b := range m.Heap.Bytes(a.ptr, n) {
			if b != a.fill {
				fail("allocation %#x byte %d = %#x, want %#x", a.ptr, i, b, a.fill)
				return
			}
		}
	}
	fill := func(a allocation) {
		b := m.Heap.Bytes(a.ptr, a.size)
		for i := range b {
			b[i] = a.fill
		}
	}

	threads, err := m.spawnWorkers("alloc", w, func(i int) {
		var live []allocation
		for j := 0; j < iters; j++ {
			switch op := m.Rand.Intn(5); {
			case op <= 1 || len(live) == 0:
				a := allocation{
					size:  uint64(m.Rand.Intn(2048) + 1),
					owner: bucket.OwnerKernel + bucket.Owner(m.Rand.Intn(2)),
					fill:  byte(i*31 + j),
				}
				ptr, err := m.Heap.Alloc(a.size, bucket.MinAlign<<m.Rand.Intn(4), a.owner)
				if err != nil {
					enomem++
					continue
				}
				a.ptr = ptr
				fill(a)
				live = append(live, a)
				allocs++
			case op == 2:
				k := m.Rand.Intn(len(live))
				a := live[k]
				verify(a, a.size)
				m.Heap.Free(a.ptr, a.owner)
				live = append(live[:k], live[k+1:]...)
				frees++
			case op == 3:
				k := m.Rand.Intn(len(live))
				a := live[k]
				newSize := uint64(m.Rand.Intn(4096) + 1)
				ptr, err := m.Heap.Realloc(a.ptr, newSize, a.owner)
				if err != nil {
					enomem++
					continue
				}
				a.ptr = ptr
				verify(a, min(a.size, newSize))
				a.size = newSize
				fill(a)
				live[k] = a
				reallocs++
			default:
				order := m.Rand.Intn(3)
				addr, ok := m.Pages.Alloc(order)
				if !ok {
					enomem++
					continue
				}
				m.pause()
				m.Pages.Free(addr, order)
				pages++
			}
			m.pause()
		}
		for _, a := range live {
			verify(a, a.size)
			m.Heap.Free(a.ptr, a.owner)
			frees++
		}
	})
	if err != nil {
		return err
	}
	if err := m.JoinAll(threads); err != nil {
		return err
	}
	res.Threads = w
	res.Ops = allocs + frees + reallocs + pages
	res.add("allocs", allocs)
	res.add("frees", frees)
	res.add("reallocs", reallocs)
	res.add("pages", pages)
	res.add("enomem", enomem)
	if failure != nil {
		return failure
	}
	for owner, want := range baseline {
		if got := m.Heap.OwnerStats(owner).BytesLive; got != want {
			return fmt.Errorf("%v bytes live = %d after freeing everything, want %d", owner, got, want)
		}
	}
	return nil
}

func runJoin(m *Machine, res *PhaseResult) error {
	w := m.Config.Workers * 2
	threads, err := m.spawnWorkers("joinee", w, func(i int) {
		if i%2 == 1 {
			m.SleepUntil(m.Clock.NowNS() + int64(m.Rand.Intn(100)+1)*1000)
		}
	})
	if err != nil {
		return err
	}
	// Let the even threads reach Exit before they are joined.
	m.Sched.Yield()
	m.Rand.Shuffle(len(threads), func(a, b int) { threads[a], threads[b] = threads[b], threads[a] })
	if err := m.JoinAll(threads); err != nil {
		return err
	}
	res.Threads = w
	res.Ops = uint64(w)
	return nil
}
