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

// Package config holds the configuration of a runk machine.
package config

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/runsc/flag"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/bucket"
	"github.com/nerdsane/rumpcore/pkg/ktime"
	"github.com/nerdsane/rumpcore/pkg/sched"
)

// Config describes a machine: its memory arena, scheduler, virtual CPUs,
// clock and the workload run on it.
type Config struct {
	// ArenaBase is the address of the first byte of the memory arena.
	ArenaBase uint64

	// ArenaSize is the size of the arena in bytes. Trailing bytes that do
	// not fill a page are ignored.
	ArenaSize uint64

	// PageShift is log2 of the page size.
	PageShift uint

	// MaxOrder bounds the size of a buddy chunk to 2^MaxOrder pages.
	MaxOrder int

	// StackOrder is the page order of thread stacks.
	StackOrder int

	// TLSSize is the size of each thread's TLS area in bytes.
	TLSSize uint64

	// VCPUs is the number of virtual CPUs of the embedded kernel.
	VCPUs int

	// StrictMagic makes a corrupted allocation header fatal instead of
	// logged and ignored.
	StrictMagic bool

	// Clock is the machine clock, "virtual" or "host".
	Clock string

	// Seed drives every random choice of the workload. Same seed, same run.
	Seed uint64

	// Workers is the number of threads per workload phase.
	Workers int

	// Iterations is the number of operations per worker.
	Iterations int

	// HaltOnDeadlock halts the machine when all threads are blocked
	// without a deadline.
	HaltOnDeadlock bool
}

// DefaultConfig returns a 16 MiB arena with 4 KiB pages, two virtual CPUs
// and virtual time.
func DefaultConfig() Config {
	return Config{
		ArenaBase:      0x1000000,
		ArenaSize:      16 << 20,
		PageShift:      buddy.DefaultPageShift,
		MaxOrder:       buddy.DefaultMaxOrder,
		StackOrder:     2,
		TLSSize:        256,
		VCPUs:          2,
		StrictMagic:    true,
		Clock:          string(ktime.KindVirtual),
		Seed:           0,
		Workers:        4,
		Iterations:     32,
		HaltOnDeadlock: true,
	}
}

// RegisterFlags registers machine flags with their default values.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := DefaultConfig()
	flagSet.Uint64("arena-base", d.ArenaBase, "address of the memory arena.")
	flagSet.Uint64("arena-size", d.ArenaSize, "size of the memory arena in bytes.")
	flagSet.Uint("page-shift", d.PageShift, "log2 of the page size.")
	flagSet.Int("max-order", d.MaxOrder, "largest buddy chunk is 2^max-order pages.")
	flagSet.Int("stack-order", d.StackOrder, "thread stacks are 2^stack-order pages.")
	flagSet.Uint64("tls-size", d.TLSSize, "per-thread TLS area in bytes.")
	flagSet.Int("vcpus", d.VCPUs, "number of virtual CPUs.")
	flagSet.Bool("strict-magic", d.StrictMagic, "halt on corrupted allocation headers instead of logging them.")
	flagSet.String("clock", d.Clock, "machine clock: virtual or host.")
	flagSet.Uint64("seed", d.Seed, "random seed. Same seed produces identical runs with the virtual clock.")
	flagSet.Int("workers", d.Workers, "threads per workload phase.")
	flagSet.Int("iterations", d.Iterations, "operations per worker.")
	flagSet.Bool("halt-on-deadlock", d.HaltOnDeadlock, "halt when every thread is blocked without a deadline.")
}

// FromFlags creates a Config from flags registered by RegisterFlags.
func FromFlags(flagSet *flag.FlagSet) (Config, error) {
	c := Config{
		ArenaBase:      get[uint64](flagSet, "arena-base"),
		ArenaSize:      get[uint64](flagSet, "arena-size"),
		PageShift:      get[uint](flagSet, "page-shift"),
		MaxOrder:       get[int](flagSet, "max-order"),
		StackOrder:     get[int](flagSet, "stack-order"),
		TLSSize:        get[uint64](flagSet, "tls-size"),
		VCPUs:          get[int](flagSet, "vcpus"),
		StrictMagic:    get[bool](flagSet, "strict-magic"),
		Clock:          get[string](flagSet, "clock"),
		Seed:           get[uint64](flagSet, "seed"),
		Workers:        get[int](flagSet, "workers"),
		Iterations:     get[int](flagSet, "iterations"),
		HaltOnDeadlock: get[bool](flagSet, "halt-on-deadlock"),
	}
	return c, c.Validate()
}

func get[T any](flagSet *flag.FlagSet, name string) T {
	return flag.Get(flagSet.Lookup(name).Value).(T)
}

// Validate checks that the configuration describes a usable machine.
func (c *Config) Validate() error {
	switch {
	case c.PageShift < 5 || c.PageShift > 30:
		return fmt.Errorf("page-shift %d out of range [5, 30]: %w", c.PageShift, linuxerr.EINVAL)
	case c.MaxOrder < 0 || c.MaxOrder > 30:
		return fmt.Errorf("max-order %d out of range [0, 30]: %w", c.MaxOrder, linuxerr.EINVAL)
	case c.StackOrder < 0 || c.StackOrder > c.MaxOrder:
		return fmt.Errorf("stack-order %d exceeds max-order %d: %w", c.StackOrder, c.MaxOrder, linuxerr.EINVAL)
	case c.ArenaSize < 1<<c.PageShift:
		return fmt.Errorf("arena of %d bytes holds no page: %w", c.ArenaSize, linuxerr.EINVAL)
	case c.VCPUs < 1:
		return fmt.Errorf("vcpus must be positive: %w", linuxerr.EINVAL)
	case c.Workers < 1 || c.Iterations < 1:
		return fmt.Errorf("workers and iterations must be positive: %w", linuxerr.EINVAL)
	}
	switch ktime.Kind(c.Clock) {
	case ktime.KindVirtual, ktime.KindHost:
	default:
		return fmt.Errorf("unknown clock %q: %w", c.Clock, linuxerr.EINVAL)
	}
	return nil
}

// BuddyConfig returns the page allocator configuration.
func (c *Config) BuddyConfig() buddy.Config {
	return buddy.Config{PageShift: c.PageShift, MaxOrder: c.MaxOrder}
}

// BucketConfig returns the general allocator configuration.
func (c *Config) BucketConfig() bucket.Config {
	return bucket.Config{StrictMagic: c.StrictMagic}
}

// SchedConfig returns the scheduler configuration.
func (c *Config) SchedConfig() sched.Config {
	cfg := sched.DefaultConfig()
	cfg.StackOrder = c.StackOrder
	cfg.TLSSize = c.TLSSize
	cfg.HaltOnDeadlock = c.HaltOnDeadlock && ktime.Kind(c.Clock) == ktime.KindVirtual
	return cfg
}
