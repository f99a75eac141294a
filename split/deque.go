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

// FileIteratorDeque holds the FileIterators that still have entries
// left to produce. A LoaderTask pulls from the front with PollFirst;
// a partially-drained iterator that still has files left is pushed
// back to the front with AddFirst so it's the next thing any task
// picks up.
// A brand new iterator, freshly created for a partition just pulled
// off the PartitionQueue, is appended to the back with AddLast so
// existing front-of-queue iterators are drained first.
type FileIteratorDeque struct {
	mu    sync.Mutex
	items []*FileIterator
}

// NewFileIteratorDeque returns an empty deque.
func NewFileIteratorDeque() *FileIteratorDeque {
	return &FileIteratorDeque{}
}

// PollFirst removes and returns the iterator at the front of the
// deque, or (nil, false) if the deque is currently empty.
func (d *FileIteratorDeque) PollFirst() (*FileIterator, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	it := d.items[0]
	d.items = d.items[1:]
	return it, true
}

// AddFirst pushes it onto the front of the deque.
func (d *FileIteratorDeque) AddFirst(it *FileIterator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append([]*FileIterator{it}, d.items...)
}

// AddLast appends it to the back of the deque.
func (d *FileIteratorDeque) AddLast(it *FileIterator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, it)
}

// Empty reports whether the deque currently holds no iterators. This
// is a point-in-time snapshot; callers that need it to stay true must
// hold their own external lock across the check (see
// TerminationArbiter).
func (d *FileIteratorDeque) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items) == 0
}
