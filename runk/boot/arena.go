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

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/runk/config"
)

// ArenaReport describes the page allocator of a freshly initialized arena.
type ArenaReport struct {
	Base      uint64              `json:"base"`
	Size      uint64              `json:"size"`
	PageSize  uint64              `json:"page_size"`
	MaxOrder  int                 `json:"max_order"`
	Allocated []buddy.FreeChunk   `json:"allocated,omitempty"`
	Stats     buddy.Stats         `json:"stats"`
	FreeLists [][]buddy.FreeChunk `json:"free_lists"`
}

// InspectArena initializes the arena described by cfg, allocates one
// chunk of each order in orders and reports the resulting free lists.
func InspectArena(cfg config.Config, orders []int) (*ArenaReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	pages := buddy.New(cfg.BuddyConfig())
	if err := pages.Init(buddy.Addr(cfg.ArenaBase), cfg.ArenaSize); err != nil {
		return nil, fmt.Errorf("initializing arena: %w", err)
	}
	rep := &ArenaReport{
		Base:     cfg.ArenaBase,
		Size:     cfg.ArenaSize,
		PageSize: pages.PageSize(),
		MaxOrder: pages.MaxOrder(),
	}
	for _, o := range orders {
		if o < 0 || o > pages.MaxOrder() {
			return nil, fmt.Errorf("order %d out of range [0, %d]: %w", o, pages.MaxOrder(), linuxerr.EINVAL)
		}
		addr, ok := pages.Alloc(o)
		if !ok {
			return nil, fmt.Errorf("allocating order %d: %w", o, linuxerr.ENOMEM)
		}
		rep.Allocated = append(rep.Allocated, buddy.FreeChunk{Addr: addr, Order: o})
	}
	if err := pages.CheckInvariants(); err != nil {
		return nil, err
	}
	rep.Stats = pages.Stats()
	rep.FreeLists = pages.FreeLists()
	return rep, nil
}
