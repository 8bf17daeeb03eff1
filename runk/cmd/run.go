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

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/runsc/flag"

	"github.com/nerdsane/rumpcore/runk/boot"
	"github.com/nerdsane/rumpcore/runk/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// phases is a comma separated list of workload phases.
	phases string

	out io.Writer
}

// Name implements subcommands.Command.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.
func (*Run) Synopsis() string {
	return "boot a machine and run a deterministic workload"
}

// Usage implements subcommands.Command.
func (*Run) Usage() string {
	return `run [flags]

Boots the arena, allocators, scheduler and virtual CPUs described by the
global flags and runs workload phases on them, then prints a JSON report.
Phases:
  mutex    - workers increment a counter under a mutex
  rwlock   - writers and readers share a buffer, with downgrades
  condvar  - two threads ping-pong on a condition variable
  sleep    - threads sleep until random deadlines
  alloc    - allocator churn with realloc and page allocation
  join     - joinable threads joined before and after they exit
`
}

// SetFlags implements subcommands.Command.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.phases, "phases", "", "comma separated phases to run; all when empty")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	phases, err := boot.SelectPhases(r.phases)
	if err != nil {
		return Errorf("%v", err)
	}
	m, err := boot.New(*conf)
	if err != nil {
		return Errorf("creating machine: %v", err)
	}
	rep, err := m.Run(phases)
	if err != nil {
		return Errorf("running workload: %v", err)
	}
	if err := printJSON(r.writer(), rep); err != nil {
		return Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

func (r *Run) writer() io.Writer {
	if r.out != nil {
		return r.out
	}
	return os.Stdout
}
