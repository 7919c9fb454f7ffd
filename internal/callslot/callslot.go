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

// Package callslot implements the rendezvous cell between a caller
// blocked on a reply and the connection reader that eventually produces
// one.
package callslot

import "sync"

// Slot holds one in-flight call's id, its request payload, and its
// eventual outcome. A Slot is completed exactly once and is not reusable;
// a second completion is a silent no-op rather than a panic, since a
// racing reader and close-path may both try to resolve the same id.
type Slot struct {
	ID      int32
	Payload any

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// New creates a pending Slot for the given call id and request payload.
func New(id int32, payload any) *Slot {
	return &Slot{
		ID:      id,
		Payload: payload,
		done:    make(chan struct{}),
	}
}

// CompleteValue sets the outcome to a value and wakes the waiter. A
// no-op if the slot is already terminal.
func (s *Slot) CompleteValue(v any) {
	s.once.Do(func() {
		s.value = v
		close(s.done)
	})
}

// CompleteError sets the outcome to an error and wakes the waiter. A
// no-op if the slot is already terminal.
func (s *Slot) CompleteError(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Await blocks until the slot reaches a terminal outcome and returns it.
func (s *Slot) Await() (any, error) {
	<-s.done
	return s.value, s.err
}
