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

package split

import "sync"

// PartitionSource is the external iterator of partition metadata
// supplied to a Pipeline. It is drained exactly once across every
// consumer of the PartitionQueue that wraps it.
type PartitionSource interface {
	// Next returns the next partition and true, or a zero
	// Partition and false once the source is exhausted.
	Next() (Partition, bool)
}

// SlicePartitionSource adapts a pre-materialized slice of partitions
// to PartitionSource, which is the common case when a metastore
// client has already resolved the partition list for a query.
type SlicePartitionSource struct {
	partitions []Partition
	i          int
}

// NewSlicePartitionSource returns a PartitionSource over ps.
func NewSlicePartitionSource(ps []Partition) *SlicePartitionSource {
	return &SlicePartitionSource{partitions: ps}
}

func (s *SlicePartitionSource) Next() (Partition, bool) {
	if s.i >= len(s.partitions) {
		return Partition{}, false
	}
	p := s.partitions[s.i]
	s.i++
	return p, true
}

// PartitionQueue drains a PartitionSource exactly once across any
// number of concurrent callers of Poll. It is created once, drained
// to empty, and never refilled: once the underlying source reports
// exhaustion, PartitionQueue.Empty is permanently true.
type PartitionQueue struct {
	mu        sync.Mutex
	src       PartitionSource
	exhausted bool
}

// NewPartitionQueue wraps src behind a mutex so that each element it
// produces is delivered to exactly one Poll caller.
func NewPartitionQueue(src PartitionSource) *PartitionQueue {
	return &PartitionQueue{src: src}
}

// Poll returns the next partition and true, or a zero Partition and
// false if the source has been fully drained. Poll never blocks:
// there is no more input to wait for beyond what src can produce
// right now.
func (q *PartitionQueue) Poll() (Partition, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exhausted {
		return Partition{}, false
	}
	p, ok := q.src.Next()
	if !ok {
		q.exhausted = true
		return Partition{}, false
	}
	return p, true
}

// Empty reports whether the queue has been fully drained. Once
// Empty returns true it remains true for the lifetime of the queue.
func (q *PartitionQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exhausted
}
