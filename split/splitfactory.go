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

// SplitParams carries everything CreateSplit needs to turn one byte
// range of one file into an InternalSplit.
type SplitParams struct {
	PartitionName string
	Path          string
	Start, Length int64
	FileSize      int64
	Schema        *Schema
	PartitionKeys map[string]string
	Blocks        []BlockLocation // every block covering the file, unclamped
	BucketNumber  *int
	Splittable    bool
	Coercions     []TypeCoercion

	// PathDomain, if non-nil, restricts which paths may produce a
	// split at all: a path outside the domain causes CreateSplit to
	// return (nil, nil) rather than an InternalSplit.
	PathDomain *PathDomain

	ForceLocalScheduling bool
}

// CreateSplit clamps p.Blocks to the range [p.Start, p.Start+p.Length)
// and assembles the resulting InternalSplit. It returns (nil, nil) if
// p.PathDomain excludes p.Path. It returns an Internal error if the
// blocks do not fully cover the requested range, which would
// indicate a bug in the caller or a lying FileSystem.
func CreateSplit(p SplitParams) (*InternalSplit, error) {
	if !p.PathDomain.Allows(p.Path) {
		return nil, nil
	}

	end := p.Start + p.Length

	blocks := make([]BlockLocation, len(p.Blocks))
	copy(blocks, p.Blocks)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Offset < blocks[j].Offset })

	var clamped []InternalBlock
	for _, b := range blocks {
		bStart, bEnd := b.Offset, b.Offset+b.Length
		if bEnd <= p.Start || bStart >= end {
			continue // wholly outside the split's range
		}
		cs, ce := bStart, bEnd
		if cs < p.Start {
			cs = p.Start
		}
		if ce > end {
			ce = end
		}
		if cs == ce && !(cs == p.Start || cs == end) {
			// a zero-width overlap that doesn't sit on a boundary
			// contributes nothing.
			continue
		}
		clamped = append(clamped, InternalBlock{Start: cs, End: ce, Hosts: b.Hosts})
	}

	if len(clamped) == 0 {
		if p.Length == 0 {
			clamped = []InternalBlock{{Start: p.Start, End: end}}
		} else {
			return nil, errorf(Internal, "no block covers split %s[%d,%d)", p.Path, p.Start, end)
		}
	} else if clamped[0].Start != p.Start || clamped[len(clamped)-1].End != end {
		return nil, errorf(Internal, "blocks for split %s[%d,%d) do not cover the full range (got [%d,%d))",
			p.Path, p.Start, end, clamped[0].Start, clamped[len(clamped)-1].End)
	}

	if !p.Splittable && len(clamped) > 1 {
		clamped = []InternalBlock{{Start: p.Start, End: end, Hosts: clamped[0].Hosts}}
	}

	forceLocal := p.ForceLocalScheduling
	if forceLocal {
		for _, b := range clamped {
			if !hasNonLocalHost(b.Hosts) {
				forceLocal = false
				break
			}
		}
	}

	return &InternalSplit{
		PartitionName:        p.PartitionName,
		Path:                 p.Path,
		Start:                p.Start,
		End:                  end,
		FileSize:             p.FileSize,
		Schema:               p.Schema,
		PartitionKeys:        p.PartitionKeys,
		Blocks:               clamped,
		BucketNumber:         p.BucketNumber,
		Splittable:           p.Splittable,
		ForceLocalScheduling: forceLocal,
		Coercions:            p.Coercions,
	}, nil
}

func hasNonLocalHost(hosts []string) bool {
	for _, h := range hosts {
		if h != "localhost" {
			return true
		}
	}
	return false
}
