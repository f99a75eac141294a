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

package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"testing"
)

// referenceVisit computes the expected seek/pattern-filtered
// listing by brute force, for comparison against VisitDir.
func referenceVisit(t *testing.T, entries []string, seek, pattern string) []string {
	t.Helper()
	var out []string
	for _, e := range entries {
		if e <= seek {
			continue
		}
		if pattern != "" {
			m, err := path.Match(pattern, e)
			if err != nil {
				t.Fatal(err)
			}
			if !m {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func TestVisitDir(t *testing.T) {
	entries := []string{ // must be sorted
		"a.txt",
		"b.txt",
		"c.txt",
		"foo",
		"z.txt",
	}
	tmp := t.TempDir()
	for _, e := range entries {
		if err := os.WriteFile(filepath.Join(tmp, e), []byte{}, 0640); err != nil {
			t.Fatalf("creating file %q: %v", e, err)
		}
	}
	cases := []struct{ seek, pattern string }{
		{"", ""},
		{"c.txt", ""},
		{"", "*.txt"},
		{"", "foo"},
		{"foo", "*.txt"},
	}
	dir := os.DirFS(tmp)
	for i, c := range cases {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			var got []string
			err := VisitDir(dir, ".", c.seek, c.pattern, func(d DirEntry) error {
				got = append(got, d.Name())
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			want := referenceVisit(t, entries, c.seek, c.pattern)
			if !reflect.DeepEqual(want, got) {
				t.Errorf("VisitDir(seek=%q, pattern=%q) mismatch:\n want: %q\n got:  %q", c.seek, c.pattern, want, got)
			}
		})
	}
}

func TestVisitDirSkipDirStopsEarly(t *testing.T) {
	tmp := t.TempDir()
	for _, e := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(tmp, e), []byte{}, 0640); err != nil {
			t.Fatal(err)
		}
	}
	dir := os.DirFS(tmp)
	var got []string
	err := VisitDir(dir, ".", "", "", func(d DirEntry) error {
		got = append(got, d.Name())
		if d.Name() == "b.txt" {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a.txt", "b.txt"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestVisitDirRejectsInvalidPattern(t *testing.T) {
	dir := os.DirFS(t.TempDir())
	err := VisitDir(dir, ".", "", "[", func(DirEntry) error { return nil })
	if err == nil {
		t.Fatal("expected an error for an invalid glob pattern")
	}
}
