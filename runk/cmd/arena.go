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
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/runsc/flag"

	"github.com/nerdsane/rumpcore/runk/boot"
	"github.com/nerdsane/rumpcore/runk/config"
)

// Arena implements subcommands.Command for the "arena" command.
type Arena struct {
	// alloc is a comma separated list of page orders to allocate.
	alloc string

	out io.Writer
}

// Name implements subcommands.Command.
func (*Arena) Name() string {
	return "arena"
}

// Synopsis implements subcommands.Command.
func (*Arena) Synopsis() string {
	return "print the page allocator free lists of an arena"
}

// Usage implements subcommands.Command.
func (*Arena) Usage() string {
	return `arena [flags]

Initializes the page allocator over the arena described by the global flags,
optionally allocates chunks, and prints the free lists as JSON.
`
}

// SetFlags implements subcommands.Command.
func (a *Arena) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.alloc, "alloc", "", "comma separated page orders to allocate before printing")
}

// Execute implements subcommands.Command.Execute.
func (a *Arena) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	orders, err := parseOrders(a.alloc)
	if err != nil {
		return Errorf("parsing -alloc: %v", err)
	}
	rep, err := boot.InspectArena(*conf, orders)
	if err != nil {
		return Errorf("inspecting arena: %v", err)
	}
	out := a.out
	if out == nil {
		out = os.Stdout
	}
	if err := printJSON(out, rep); err != nil {
		return Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

func parseOrders(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var orders []int
	for _, f := range strings.Split(s, ",") {
		o, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
