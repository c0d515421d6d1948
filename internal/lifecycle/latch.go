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

import "sync/atomic"

// ShutdownLatch is a one-shot guard. It moves from unset to set exactly once
// no matter how many goroutines race to trip it.
type ShutdownLatch struct {
	set atomic.Bool
}

// Trip sets the latch. It reports true only for the caller that set it.
func (l *ShutdownLatch) Trip() bool {
	return l.set.CompareAndSwap(false, true)
}

// IsSet reports whether the latch has been tripped.
func (l *ShutdownLatch) IsSet() bool {
	return l.set.Load()
}
