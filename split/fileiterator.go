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

import "sort"

// FileIterator lazily walks the regular files in a single directory
// (a partition's storage location, or a sub-directory discovered
// under it), deferring the listing until the first call to HasNext
// so that an iterator sitting idle in a FileIteratorDeque costs
// nothing but the struct itself.
//
// FileIterator never descends into sub-directories on its own: when
// recursion is enabled, each sub-directory it discovers is recorded
// so that LoaderTask.drainOne can hand it off to the deque as a
// fresh, independently pollable FileIterator, rather than one task
// serially owning an entire partition's subtree.
//
// FileIterator is not safe for concurrent use: the deque discipline
// in LoaderTask ensures at most one goroutine ever holds a given
// iterator at a time.
type FileIterator struct {
	fs        FileSystem
	partition Partition
	root      string
	recursive bool

	listed  bool
	pending []FileStatus
	subdirs []string // sub-directories discovered by the one listing this iterator ever performs
}

// NewFileIterator returns an iterator over the files directly inside
// root. If recursive is true, sub-directories found under root are
// recorded for TakeSubdirs rather than walked by this iterator.
func NewFileIterator(fs FileSystem, partition Partition, root string, recursive bool) *FileIterator {
	return &FileIterator{
		fs:        fs,
		partition: partition,
		root:      root,
		recursive: recursive,
	}
}

// HasNext reports whether a subsequent call to Next will return a
// file. The first call lists root as a side effect; every later call
// is a plain length check.
func (it *FileIterator) HasNext() (bool, error) {
	if !it.listed {
		entries, err := it.fs.ListStatus(it.root)
		if err != nil {
			return false, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		for _, e := range entries {
			if isHidden(baseName(e.Path)) {
				continue
			}
			if e.IsDir {
				if it.recursive {
					it.subdirs = append(it.subdirs, e.Path)
				}
				continue
			}
			it.pending = append(it.pending, e)
		}
		it.listed = true
	}
	return len(it.pending) > 0, nil
}

// Next returns the next file in the walk. Callers must call HasNext
// first and only call Next if it returned true.
func (it *FileIterator) Next() FileStatus {
	f := it.pending[0]
	it.pending = it.pending[1:]
	return f
}

// TakeSubdirs returns the sub-directories this iterator's one
// listing discovered and clears them, so a caller that pushes them
// onto a deque as new FileIterators will only ever see each
// sub-directory once.
func (it *FileIterator) TakeSubdirs() []string {
	d := it.subdirs
	it.subdirs = nil
	return d
}

// Partition returns the partition this iterator is walking files for.
func (it *FileIterator) Partition() Partition { return it.partition }

// Recursive reports whether sub-directories discovered under this
// iterator's root should themselves spawn recursive iterators.
func (it *FileIterator) Recursive() bool { return it.recursive }

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
