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

import "time"

// Schema is the serde schema associated with a table or partition.
// It is opaque to this package; it is threaded through splits purely
// so that downstream scan workers know how to decode the bytes.
type Schema struct {
	SerdeClass string
	Columns    []string
}

// StorageDescriptor names where a partition's data lives and how
// it is encoded.
type StorageDescriptor struct {
	Location    string
	InputFormat string
	Schema      *Schema
}

// TypeCoercion records that a column's on-disk type must be coerced
// to a different declared type when a partition's schema has drifted
// from the table's schema.
type TypeCoercion struct {
	Column   string
	FromType string
	ToType   string
}

// Partition identifies one logical slice of a table. Storage must be
// non-nil: there is no table-level StorageDescriptor to fall back on,
// and PartitionLoader fails a partition with a nil Storage with an
// Internal error. An unpartitioned table is represented by a single
// Partition carrying the table's StorageDescriptor.
//
// PartitionColumns, when non-nil, is the table's declared ordered
// list of partition column names; Values must carry exactly one
// entry per column. A nil PartitionColumns means the caller has not
// supplied a table-level column list, so PartitionLoader skips the
// arity check (the common case for a metastore client that has
// already validated this upstream).
type Partition struct {
	Name             string
	Storage          *StorageDescriptor
	Values           map[string]string
	PartitionColumns []string
	Coercions        []TypeCoercion
}

// HiveDefaultPartitionValue is the sentinel Hive writes into a
// partition path in place of a NULL partition-column value (e.g. a
// directory literally named "col=__HIVE_DEFAULT_PARTITION__"). A
// partition whose Values map carries this sentinel for any of its
// PartitionColumns fails with InvalidPartitionValue rather than
// silently treating the column as the empty string.
const HiveDefaultPartitionValue = "__HIVE_DEFAULT_PARTITION__"

// BucketHandle describes a table's bucketing scheme and, optionally,
// the specific buckets a scan needs. An empty Buckets slice means
// "every bucket" (a full scan of a bucketed table).
type BucketHandle struct {
	BucketCount int
	Buckets     []int
}

// PathDomain is a predicate over the $path pseudo-column. A nil
// PathDomain places no restriction on paths; a non-nil one skips any
// file whose path isn't a member of Values.
type PathDomain struct {
	Values map[string]struct{}
}

// NewPathDomain builds a PathDomain that allows exactly the given
// paths.
func NewPathDomain(paths ...string) *PathDomain {
	d := &PathDomain{Values: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		d.Values[p] = struct{}{}
	}
	return d
}

// Allows reports whether path survives the domain's predicate. A nil
// receiver allows everything.
func (d *PathDomain) Allows(path string) bool {
	if d == nil {
		return true
	}
	_, ok := d.Values[path]
	return ok
}

// FileStatus is the subset of filesystem metadata this package needs
// about a directory entry.
type FileStatus struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// BlockLocation reports that the byte range [Offset, Offset+Length)
// of a file is replicated on the given hosts.
type BlockLocation struct {
	Offset  int64
	Length  int64
	Hosts   []string
}

// InternalBlock is a clamped BlockLocation: the portion of a
// BlockLocation that falls within one split's byte range.
//
// Invariant: Start <= End. A zero-width block is only ever produced
// when it coincides exactly with a zero-width split.
type InternalBlock struct {
	Start, End int64
	Hosts      []string
}

// FileSplit is the external representation of a pre-computed split,
// as produced by an InputFormat's own GetSplits (used for symlink
// targets and for input formats that compute their own splits).
type FileSplit struct {
	Path        string
	Start, Length int64
}

// InternalSplit is a self-contained descriptor of a byte range
// inside one file, annotated with locality hints, ready to be hand
// off to a downstream scan worker.
//
// Invariants (see CreateSplit for the code that establishes
// them):
//   - Blocks is never empty.
//   - Blocks[0].Start == Start, and Blocks[len(Blocks)-1].End == End.
//   - if !Splittable, Blocks has exactly one element spanning
//     [Start, End) whose hosts are inherited from the first real block.
//   - ForceLocalScheduling is true only if the session asked for it
//     AND every block carries at least one host address that isn't
//     the literal string "localhost".
type InternalSplit struct {
	PartitionName string
	Path          string
	Start, End    int64
	FileSize      int64
	Schema        *Schema
	PartitionKeys map[string]string
	Blocks        []InternalBlock
	BucketNumber  *int
	Splittable    bool

	ForceLocalScheduling bool

	Coercions []TypeCoercion
}
