// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package memsink provides a bounded, in-memory split.SplitSink used
// by the splitloadctl command's demo mode. It is not meant for production use: a real deployment's
// sink is a connector-specific queue with its own flow control.
package memsink

import (
	"sync"

	"github.com/coldbrewdb/splitload/split"
)

// Sink is a split.SplitSink backed by a slice guarded by a mutex. Its
// capacity imposes the same backpressure a real downstream queue
// would: splits are always buffered, but once an AddSplit/AddSplits
// call leaves more than capacity splits buffered it returns an
// incomplete Signal, which a later Take completes once the buffer is
// back down to capacity.
type Sink struct {
	cap int

	mu      sync.Mutex
	splits  []*split.InternalSplit
	waiters []*split.Signal
	done    bool
	err     error
}

// New returns a Sink that holds up to capacity splits before
// backpressuring producers. A non-positive capacity means unbounded.
func New(capacity int) *Sink {
	return &Sink{cap: capacity}
}

func (s *Sink) AddSplit(sp *split.InternalSplit) *split.Signal {
	return s.AddSplits([]*split.InternalSplit{sp})
}

func (s *Sink) AddSplits(splits []*split.InternalSplit) *split.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return split.Completed()
	}
	s.splits = append(s.splits, splits...)
	if s.cap <= 0 || len(s.splits) <= s.cap {
		return split.Completed()
	}
	sig := split.NewSignal()
	s.waiters = append(s.waiters, sig)
	return sig
}

func (s *Sink) NoMoreSplits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
}

func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
}

// Take removes and returns up to n buffered splits, releasing
// backpressure on any producer waiting for room.
func (s *Sink) Take(n int) []*split.InternalSplit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.splits) {
		n = len(s.splits)
	}
	out := s.splits[:n]
	s.splits = s.splits[n:]
	if s.cap <= 0 || len(s.splits) <= s.cap {
		for _, w := range s.waiters {
			w.Complete()
		}
		s.waiters = nil
	}
	return out
}

// All returns every split currently buffered, without releasing
// backpressure (see Take).
func (s *Sink) All() []*split.InternalSplit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*split.InternalSplit, len(s.splits))
	copy(out, s.splits)
	return out
}

// Done reports whether NoMoreSplits or Fail has been called, and the
// error passed to Fail, if any.
func (s *Sink) Done() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done, s.err
}
