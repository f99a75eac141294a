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

import (
	"sync"
	"testing"
)

func TestPartitionQueueDrainsEachElementOnce(t *testing.T) {
	src := NewSlicePartitionSource([]Partition{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	q := NewPartitionQueue(src)

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, ok := q.Poll()
				if !ok {
					return
				}
				mu.Lock()
				seen[p.Name]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if !q.Empty() {
		t.Fatal("expected queue to report empty after every goroutine observed exhaustion")
	}
	want := map[string]int{"a": 1, "b": 1, "c": 1}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("partition %s: got %d deliveries, want %d", k, seen[k], v)
		}
	}
	if len(seen) != len(want) {
		t.Errorf("got %d distinct partitions, want %d", len(seen), len(want))
	}
}

func TestPartitionQueueEmptyOnFreshSource(t *testing.T) {
	q := NewPartitionQueue(NewSlicePartitionSource(nil))
	if q.Empty() {
		t.Fatal("queue should not report empty before it has been polled to exhaustion")
	}
	if _, ok := q.Poll(); ok {
		t.Fatal("expected no partitions from an empty source")
	}
	if !q.Empty() {
		t.Fatal("expected queue to report empty after the one poll exhausted it")
	}
}
