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

import "io"

// FileSystem is the storage abstraction this package walks in order
// to discover files and their block locations. It is an external
// collaborator: production FileSystem implementations (local disk,
// object storage) live outside this package; see the splitfs module
// for two of them.
type FileSystem interface {
	// ListStatus lists the immediate children of dir in lexicographic
	// order by Path. dir must itself have IsDir set when stat'd; a
	// non-directory path is an error.
	ListStatus(dir string) ([]FileStatus, error)

	// Stat returns metadata for exactly one path.
	Stat(path string) (FileStatus, error)

	// BlockLocations reports the replica placement of path's bytes.
	// Implementations that have no real notion of block-level
	// locality (e.g. object storage) may return a single
	// BlockLocation spanning the whole file with an empty or
	// synthetic Hosts list.
	BlockLocations(path string, status FileStatus) ([]BlockLocation, error)

	// Open returns a reader positioned at the start of path. Callers
	// are responsible for closing it.
	Open(path string) (io.ReadCloser, error)
}

// isHidden reports whether name (a path's final element) should be
// skipped during a directory walk: Hive-style conventions treat
// leading '.' and '_' as marking non-data files (_SUCCESS markers,
// .staging directories, and the like).
func isHidden(name string) bool {
	if name == "" {
		return false
	}
	return name[0] == '.' || name[0] == '_'
}
