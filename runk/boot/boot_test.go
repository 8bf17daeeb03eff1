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
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/nerdsane/rumpcore/pkg/bucket"
	"github.com/nerdsane/rumpcore/pkg/halt"
	"github.com/nerdsane/rumpcore/runk/config"
)

func testConfig(seed uint64) config.Config {
	cfg := config.DefaultConfig()
	cfg.ArenaSize = 4 << 20
	cfg.Workers = 3
	cfg.Iterations = 12
	cfg.Seed = seed
	return cfg
}

func run(t *testing.T, cfg config.Config) *Report {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rep, err := m.Run(Phases())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return rep
}

func TestRunAllPhases(t *testing.T) {
	rep := run(t, testConfig(1))

	if got, want := len(rep.Phases), len(Phases()); got != want {
		t.Fatalf("%d phase results, want %d", got, want)
	}
	for _, p := range rep.Phases {
		if p.Ops == 0 {
			t.Errorf("phase %s did no work", p.Name)
		}
		if p.EndNS < p.StartNS {
			t.Errorf("phase %s ended at %d before it started at %d", p.Name, p.EndNS, p.StartNS)
		}
	}
	if rep.Switches == 0 || rep.Events == 0 {
		t.Errorf("switches = %d, events = %d", rep.Switches, rep.Events)
	}
	if rep.VCPU.Busy != 0 {
		t.Errorf("%d virtual CPUs still held", rep.VCPU.Busy)
	}
	if rep.NowNS == 0 {
		t.Errorf("virtual time never advanced")
	}
}

func TestRunIsDeterministic(t *testing.T) {
	a := run(t, testConfig(42))
	b := run(t, testConfig(42))
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("fingerprints differ for the same seed: %s vs %s", a.Fingerprint, b.Fingerprint)
	}
	if a.NowNS != b.NowNS || a.Switches != b.Switches {
		t.Errorf("runs differ: now %d/%d, switches %d/%d", a.NowNS, b.NowNS, a.Switches, b.Switches)
	}

	c := run(t, testConfig(43))
	if a.Fingerprint == c.Fingerprint {
		t.Errorf("seeds 42 and 43 produced the same fingerprint %s", a.Fingerprint)
	}
}

func TestSingleVCPU(t *testing.T) {
	cfg := testConfig(3)
	cfg.VCPUs = 1
	rep := run(t, cfg)
	if rep.VCPU.Contended == 0 {
		t.Errorf("no contention on a single virtual CPU")
	}
}

func TestSelectPhases(t *testing.T) {
	ps, err := SelectPhases("sleep, mutex")
	if err != nil {
		t.Fatalf("SelectPhases failed: %v", err)
	}
	if len(ps) != 2 || ps[0].Name != "sleep" || ps[1].Name != "mutex" {
		t.Errorf("selected %v", ps)
	}
	if _, err := SelectPhases("mutex,nope"); err == nil {
		t.Errorf("unknown phase accepted")
	}
	all, _ := SelectPhases("")
	if len(all) != len(Phases()) {
		t.Errorf("empty selection returned %d phases", len(all))
	}
}

func TestPhaseErrorStopsRun(t *testing.T) {
	m, err := New(testConfig(1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	boom := errors.New("boom")
	_, err = m.Run([]Phase{{Name: "fail", Run: func(*Machine, *PhaseResult) error { return boom }}})
	if !errors.Is(err, boom) {
		t.Errorf("Run = %v, want %v", err, boom)
	}
}

func TestHaltInPhase(t *testing.T) {
	m, err := New(testConfig(1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = m.Run([]Phase{{Name: "corrupt", Run: func(m *Machine, _ *PhaseResult) error {
		p, err := m.Heap.Alloc(64, 16, bucket.OwnerKernel)
		if err != nil {
			return err
		}
		m.Heap.Bytes(p-bucket.HeaderSize, 1)[0] = 0
		m.Heap.Free(p, bucket.OwnerKernel)
		return nil
	}}})
	var herr *halt.Error
	if !errors.As(err, &herr) {
		t.Errorf("Run = %v, want a halt", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.VCPUs = 0
	if _, err := New(cfg); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("New = %v, want EINVAL", err)
	}
}

func TestInspectArena(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ArenaBase = 0x10000
	cfg.ArenaSize = 7 << cfg.PageShift
	rep, err := InspectArena(cfg, nil)
	if err != nil {
		t.Fatalf("InspectArena failed: %v", err)
	}
	// 7 pages at a 16-page aligned base: chunks of 4, 2 and 1 pages.
	for o, want := range []int{1, 1, 1} {
		if got := len(rep.FreeLists[o]); got != want {
			t.Errorf("order %d: %d free chunks, want %d", o, got, want)
		}
	}
	if rep.Stats.FreePages != 7 {
		t.Errorf("free pages = %d, want 7", rep.Stats.FreePages)
	}

	rep, err = InspectArena(cfg, []int{0, 1})
	if err != nil {
		t.Fatalf("InspectArena failed: %v", err)
	}
	if rep.Stats.FreePages != 4 {
		t.Errorf("free pages after allocating = %d, want 4", rep.Stats.FreePages)
	}
	if _, err := InspectArena(cfg, []int{3}); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("oversized allocation = %v, want ENOMEM", err)
	}
	if _, err := InspectArena(cfg, []int{99}); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("bad order = %v, want EINVAL", err)
	}
}
