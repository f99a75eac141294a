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

// Config holds the knobs that are external to any one partition or
// file and shape how the pipeline schedules work.
type Config struct {
	// LoaderConcurrency is the number of LoaderTask goroutines run
	// by a Pipeline. Values <= 0 are treated as 1.
	LoaderConcurrency int

	// RecursiveDirWalkerEnabled, when true, causes LoaderTask to
	// descend into sub-directories it encounters while draining a
	// FileIterator. When false, sub-directories are skipped.
	RecursiveDirWalkerEnabled bool
}

func (c Config) concurrency() int {
	if c.LoaderConcurrency <= 0 {
		return 1
	}
	return c.LoaderConcurrency
}

// Session carries the per-query properties this package consults.
type Session struct {
	// ForceLocalScheduling, when true, asks the loader to mark
	// every split it can as eligible for local scheduling (see
	// InternalSplit.ForceLocalScheduling).
	ForceLocalScheduling bool
}
