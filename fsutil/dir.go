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

// Package fsutil adapts io/fs.FS-backed storage to the split
// package's FileSystem abstraction, via a directory-listing
// primitive that lets a backing store (S3, local disk) accelerate
// seek- and pattern-restricted listings when it can.
package fsutil

import (
	"io/fs"
	"path"
)

// VisitDirFS can be implemented by a file system that provides an
// optimized implementation of VisitDir, e.g. one that can push a
// seek key or a glob prefix down into a remote listing API instead
// of listing every entry and filtering client-side.
type VisitDirFS interface {
	fs.FS
	VisitDir(name, seek, pattern string, fn VisitDirFn) error
}

// VisitDirFn is called by VisitDir for each entry in a directory.
type VisitDirFn func(d DirEntry) error

// VisitDir calls fn for each entry in the directory specified by
// name, visiting each entry in lexicographical order.
//
// If seek is provided, only entries with names lexically succeeding
// seek are visited.
//
// If pattern is provided, only entries with names matching the
// pattern are visited.
//
// If fn returns fs.SkipDir, VisitDir returns immediately with a nil
// error.
//
// If f implements VisitDirFS, f.VisitDir is called directly,
// allowing the implementation to use the seek and pattern arguments
// to accelerate directory listing if possible. Otherwise, this
// simply calls fs.ReadDir and then calls fn for each matching
// entry.
func VisitDir(f fs.FS, name, seek, pattern string, fn VisitDirFn) error {
	if err := validpat(pattern); err != nil {
		return err
	}
	if f, ok := f.(VisitDirFS); ok {
		return f.VisitDir(name, seek, pattern, fn)
	}
	list, err := fs.ReadDir(f, name)
	if err != nil {
		return err
	}
	for i := range list {
		if n := list[i].Name(); n <= seek || !match(pattern, n) {
			continue
		}
		if err := fn(list[i]); err != nil {
			if err == fs.SkipDir {
				break
			}
			return err
		}
	}
	return nil
}

// A DirEntry is an entry from a directory visited by VisitDir. This
// is analogous to fs.DirEntry without the Type() method.
type DirEntry interface {
	// Name is the file name of the file or directory without
	// additional path elements.
	Name() string
	// IsDir returns whether the entry is a directory.
	IsDir() bool
	// Info returns the corresponding fs.FileInfo.
	Info() (fs.FileInfo, error)
}

// validpat checks if a pattern is valid. If pattern is "", this
// returns nil.
func validpat(pattern string) error {
	if pattern == "" {
		return nil
	}
	_, err := path.Match(pattern, "")
	return err
}

// match should only be used if pattern has already been validated.
func match(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, _ := path.Match(pattern, name)
	return ok
}
