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

// Package rand provides a seeded ChaCha20-style generator so workloads and
// property tests replay the same interleavings and allocation patterns for
// the same seed. It is not suitable for cryptographic use.
package rand

import (
	"encoding/binary"
	"io"

	"gvisor.dev/gvisor/pkg/sync"
)

// Source is a deterministic random source.
type Source struct {
	mu sync.Mutex

	// state is the ChaCha20 state (16 x 32-bit words).
	state [16]uint32

	// counter is the number of blocks generated so far.
	counter uint64

	// buffer holds unused bytes from the last block.
	buffer []byte
}

// New returns a Source seeded with seed.
func New(seed uint64) *Source {
	s := &Source{}
	s.Seed(seed)
	return s
}

// Seed resets the generator.
func (s *Source) Seed(seed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// "expand 32-byte k"
	s.state[0] = 0x61707865
	s.state[1] = 0x3320646e
	s.state[2] = 0x79622d32
	s.state[3] = 0x6b206574
	for i := 0; i < 8; i++ {
		s.state[4+i] = uint32(seed>>uint(i*4)) ^ uint32(i*0x9e3779b9)
	}
	s.state[12] = 0
	s.state[13] = 0
	s.state[14] = uint32(seed)
	s.state[15] = uint32(seed >> 32)

	s.counter = 0
	s.buffer = nil
}

// Read implements io.Reader. It never fails.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillLocked(p)
	return len(p), nil
}

// Uint64 returns the next 64 random bits.
func (s *Source) Uint64() uint64 {
	var b [8]byte
	s.mu.Lock()
	s.fillLocked(b[:])
	s.mu.Unlock()
	return binary.LittleEndian.Uint64(b[:])
}

// Intn returns a value in [0, n). It panics if n <= 0.
func (s *Source) Intn(n int) int {
	if n <= 0 {
		panic("rand.Source.Intn: n <= 0")
	}
	return int(s.Uint64() % uint64(n))
}

// Shuffle permutes n elements through swap (Fisher-Yates).
func (s *Source) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		swap(i, s.Intn(i+1))
	}
}

func (s *Source) fillLocked(p []byte) {
	n := 0
	for n < len(p) {
		if len(s.buffer) > 0 {
			copied := copy(p[n:], s.buffer)
			n += copied
			s.buffer = s.buffer[copied:]
			continue
		}

		block := s.generateBlock()
		s.buffer = block[:]
		s.counter++
		s.state[12] = uint32(s.counter)
		s.state[13] = uint32(s.counter >> 32)
	}
}

func (s *Source) generateBlock() [64]byte {
	var x [16]uint32
	copy(x[:], s.state[:])

	for i := 0; i < 10; i++ {
		quarterRound(&x[0], &x[4], &x[8], &x[12])
		quarterRound(&x[1], &x[5], &x[9], &x[13])
		quarterRound(&x[2], &x[6], &x[10], &x[14])
		quarterRound(&x[3], &x[7], &x[11], &x[15])

		quarterRound(&x[0], &x[5], &x[10], &x[15])
		quarterRound(&x[1], &x[6], &x[11], &x[12])
		quarterRound(&x[2], &x[7], &x[8], &x[13])
		quarterRound(&x[3], &x[4], &x[9], &x[14])
	}

	var block [64]byte
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(block[i*4:], x[i]+s.state[i])
	}
	return block
}

func quarterRound(a, b, c, d *uint32) {
	*a += *b
	*d ^= *a
	*d = rotl(*d, 16)

	*c += *d
	*b ^= *c
	*b = rotl(*b, 12)

	*a += *b
	*d ^= *a
	*d = rotl(*d, 8)

	*c += *d
	*b ^= *c
	*b = rotl(*b, 7)
}

func rotl(x uint32, n uint) uint32 {
	return (x << n) | (x >> (32 - n))
}

var _ io.Reader = (*Source)(nil)
