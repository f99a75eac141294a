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
	"reflect"
	"testing"
)

func TestCreateSplitClampsBlocks(t *testing.T) {
	blocks := []BlockLocation{
		{Offset: 0, Length: 100, Hosts: []string{"h1"}},
		{Offset: 100, Length: 100, Hosts: []string{"h2"}},
		{Offset: 200, Length: 100, Hosts: []string{"h3"}},
	}
	s, err := CreateSplit(SplitParams{
		Path:       "f",
		Start:      50,
		Length:     200, // [50, 250)
		FileSize:   300,
		Blocks:     blocks,
		Splittable: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []InternalBlock{
		{Start: 50, End: 100, Hosts: []string{"h1"}},
		{Start: 100, End: 200, Hosts: []string{"h2"}},
		{Start: 200, End: 250, Hosts: []string{"h3"}},
	}
	if !reflect.DeepEqual(s.Blocks, want) {
		t.Fatalf("got blocks %+v, want %+v", s.Blocks, want)
	}
	if s.Start != 50 || s.End != 250 {
		t.Fatalf("got range [%d,%d), want [50,250)", s.Start, s.End)
	}
}

func TestCreateSplitCollapsesWhenNotSplittable(t *testing.T) {
	blocks := []BlockLocation{
		{Offset: 0, Length: 50, Hosts: []string{"h1"}},
		{Offset: 50, Length: 50, Hosts: []string{"h2"}},
	}
	s, err := CreateSplit(SplitParams{
		Path:       "f",
		Start:      0,
		Length:     100,
		FileSize:   100,
		Blocks:     blocks,
		Splittable: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []InternalBlock{{Start: 0, End: 100, Hosts: []string{"h1"}}}
	if !reflect.DeepEqual(s.Blocks, want) {
		t.Fatalf("got blocks %+v, want %+v", s.Blocks, want)
	}
}

func TestCreateSplitRejectsIncompleteCoverage(t *testing.T) {
	blocks := []BlockLocation{
		{Offset: 0, Length: 50, Hosts: []string{"h1"}},
	}
	_, err := CreateSplit(SplitParams{
		Path:       "f",
		Start:      0,
		Length:     100,
		FileSize:   100,
		Blocks:     blocks,
		Splittable: true,
	})
	if err == nil {
		t.Fatal("expected an error for a split whose blocks don't cover its full range")
	}
	var se *Error
	if !asError(err, &se) || se.Kind != Internal {
		t.Fatalf("expected an Internal *Error, got %v", err)
	}
}

func TestCreateSplitForceLocalScheduling(t *testing.T) {
	cases := []struct {
		name  string
		hosts []string
		force bool
		want  bool
	}{
		{"all localhost", []string{"localhost"}, true, false},
		{"real host, session wants it", []string{"worker-1"}, true, true},
		{"real host, session doesn't want it", []string{"worker-1"}, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, err := CreateSplit(SplitParams{
				Path:                 "f",
				Start:                0,
				Length:               10,
				FileSize:             10,
				Blocks:               []BlockLocation{{Offset: 0, Length: 10, Hosts: c.hosts}},
				Splittable:           true,
				ForceLocalScheduling: c.force,
			})
			if err != nil {
				t.Fatal(err)
			}
			if s.ForceLocalScheduling != c.want {
				t.Fatalf("got ForceLocalScheduling=%v, want %v", s.ForceLocalScheduling, c.want)
			}
		})
	}
}

func TestCreateSplitZeroLengthFile(t *testing.T) {
	s, err := CreateSplit(SplitParams{
		Path:       "empty",
		Start:      0,
		Length:     0,
		FileSize:   0,
		Blocks:     nil,
		Splittable: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Blocks) != 1 || s.Blocks[0].Start != 0 || s.Blocks[0].End != 0 {
		t.Fatalf("expected a single zero-width block, got %+v", s.Blocks)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
