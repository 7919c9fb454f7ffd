// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package ipc

import "sync"

// parallelResults is a fan-out result collector: a fixed-size
// positionally-indexed result array with two counters, size (expected
// completions) and count (actual completions). A submit-time failure
// decrements size so the overall wait still terminates once every call
// that actually went out has answered.
type parallelResults struct {
	mu     sync.Mutex
	cond   *sync.Cond
	values []Payload
	size   int
	count  int
}

func newParallelResults(n int) *parallelResults {
	r := &parallelResults{values: make([]Payload, n), size: n}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// callComplete stores v at index i and increments count, waking the
// waiter once count reaches size. Failures after submission (remote or
// transport) still arrive here and are stored as nil: each parallel call
// waits on its own call slot and forwards the outcome here, passing nil
// in place of an error.
func (r *parallelResults) callComplete(i int, v Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[i] = v
	r.count++
	if r.count >= r.size {
		r.cond.Broadcast()
	}
}

// decrementSize is called by the owner when a call never made it past
// submission (acquire or send failed before a reply could ever arrive),
// so the wait below doesn't block forever on a call id nothing will ever
// answer.
func (r *parallelResults) decrementSize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size--
	if r.count >= r.size {
		r.cond.Broadcast()
	}
}

// wait blocks until every live call has completed and returns the
// positionally-indexed values; entries for failed or never-submitted
// calls remain nil.
func (r *parallelResults) wait() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count < r.size {
		r.cond.Wait()
	}
	return r.values
}
