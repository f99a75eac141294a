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

// Package split implements the background split-generation pipeline
// that turns a logical table and a set of partitions into a stream
// of InternalSplit values for downstream parallel scan workers.
//
// The pipeline walks a two-level work queue (partitions, then files
// within a partition), respects backpressure signalled by the
// destination SplitSink, and guarantees that a single terminal
// "no more splits" notification is delivered only once every queue
// has been observed empty under the write side of a lock shared with
// every other regulated queue operation.
package split
