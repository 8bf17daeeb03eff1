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

package config

import (
	"errors"
	"flag"
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return FromFlags(fs)
}

func TestDefaultsRoundTrip(t *testing.T) {
	got, err := parse(t)
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	if want := DefaultConfig(); got != want {
		t.Errorf("FromFlags() = %+v, want %+v", got, want)
	}
}

func TestFlagsOverride(t *testing.T) {
	got, err := parse(t, "-seed=9", "-vcpus=4", "-clock=host", "-strict-magic=false", "-arena-size=1048576")
	if err != nil {
		t.Fatalf("FromFlags failed: %v", err)
	}
	if got.Seed != 9 || got.VCPUs != 4 || got.Clock != "host" || got.StrictMagic || got.ArenaSize != 1<<20 {
		t.Errorf("FromFlags = %+v", got)
	}
	if got.SchedConfig().HaltOnDeadlock {
		t.Errorf("deadlock halting enabled with the host clock")
	}
	if got.BucketConfig().StrictMagic {
		t.Errorf("bucket config is strict")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"page shift", func(c *Config) { c.PageShift = 2 }},
		{"max order", func(c *Config) { c.MaxOrder = -1 }},
		{"stack order", func(c *Config) { c.StackOrder = c.MaxOrder + 1 }},
		{"tiny arena", func(c *Config) { c.ArenaSize = 100 }},
		{"no vcpus", func(c *Config) { c.VCPUs = 0 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"clock", func(c *Config) { c.Clock = "sundial" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(&c)
			if err := c.Validate(); !errors.Is(err, linuxerr.EINVAL) {
				t.Errorf("Validate = %v, want EINVAL", err)
			}
		})
	}
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDerivedConfigs(t *testing.T) {
	c := DefaultConfig()
	c.StackOrder = 3
	c.TLSSize = 512
	sc := c.SchedConfig()
	if sc.StackOrder != 3 || sc.TLSSize != 512 || !sc.HaltOnDeadlock {
		t.Errorf("SchedConfig = %+v", sc)
	}
	bc := c.BuddyConfig()
	if bc.PageShift != c.PageShift || bc.MaxOrder != c.MaxOrder {
		t.Errorf("BuddyConfig = %+v", bc)
	}
}
