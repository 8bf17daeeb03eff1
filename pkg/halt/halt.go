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

// Package halt provides the fatal-stop primitive used for unrecoverable
// invariant violations. A halt is a panic carrying *Error; the scheduler
// turns it into the return value of Boot, tests can observe it with Catch.
package halt

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
)

// Error describes why the system halted.
type Error struct {
	Reason string
}

// Error implements error.Error.
func (e *Error) Error() string {
	return "halt: " + e.Reason
}

// Haltf logs the reason and stops the current execution context.
func Haltf(format string, args ...any) {
	e := &Error{Reason: fmt.Sprintf(format, args...)}
	log.Warningf("%v", e)
	panic(e)
}

// Recovered converts a recovered panic value into a *Error. Panics that are
// not halts are wrapped so that the reason is still reported.
func Recovered(r any) *Error {
	switch v := r.(type) {
	case nil:
		return nil
	case *Error:
		return v
	case error:
		return &Error{Reason: v.Error()}
	default:
		return &Error{Reason: fmt.Sprint(v)}
	}
}

// Catch runs fn and returns the halt it raised, or nil.
func Catch(fn func()) (err *Error) {
	defer func() {
		err = Recovered(recover())
	}()
	fn()
	return nil
}
