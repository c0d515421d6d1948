// Copyright 2025 Tom Barlow
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

package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestShutdownLatch(t *testing.T) {
	var l ShutdownLatch
	if l.IsSet() {
		t.Fatal("new latch is set")
	}
	if !l.Trip() {
		t.Fatal("first Trip() = false, want true")
	}
	if l.Trip() {
		t.Error("second Trip() = true, want false")
	}
	if !l.IsSet() {
		t.Error("IsSet() = false after Trip()")
	}
}

func TestShutdownLatch_Concurrent(t *testing.T) {
	var l ShutdownLatch
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Trip() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := winners.Load(); n != 1 {
		t.Errorf("%d callers tripped the latch, want 1", n)
	}
}
