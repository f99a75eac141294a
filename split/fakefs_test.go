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
	"io"
	"sort"
	"strings"
)

// fakeFile is one entry of a fakeFS.
type fakeFile struct {
	path  string
	size  int64
	dir   bool
	body  string
	hosts []string
}

// fakeFS is a small in-memory FileSystem used across this package's
// tests. Every file gets a single BlockLocation spanning its whole
// size, using the hosts given when the file was added (or
// "localhost" by default).
type fakeFS struct {
	files map[string]fakeFile
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string]fakeFile)}
}

func (f *fakeFS) addDir(path string) *fakeFS {
	f.files[path] = fakeFile{path: path, dir: true}
	return f
}

func (f *fakeFS) addFile(path, body string, hosts ...string) *fakeFS {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	f.files[path] = fakeFile{path: path, size: int64(len(body)), body: body, hosts: hosts}
	return f
}

func (f *fakeFS) ListStatus(dir string) ([]FileStatus, error) {
	prefix := dir
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var out []FileStatus
	for p, ff := range f.files {
		if p == dir {
			continue
		}
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if strings.Contains(rest, "/") {
			continue // not an immediate child
		}
		out = append(out, FileStatus{Path: p, Size: ff.size, IsDir: ff.dir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeFS) Stat(path string) (FileStatus, error) {
	ff, ok := f.files[path]
	if !ok {
		return FileStatus{}, errorf(IO, "no such file %s", path)
	}
	return FileStatus{Path: path, Size: ff.size, IsDir: ff.dir}, nil
}

func (f *fakeFS) BlockLocations(path string, status FileStatus) ([]BlockLocation, error) {
	ff, ok := f.files[path]
	if !ok {
		return nil, errorf(IO, "no such file %s", path)
	}
	return []BlockLocation{{Offset: 0, Length: status.Size, Hosts: ff.hosts}}, nil
}

func (f *fakeFS) Open(path string) (io.ReadCloser, error) {
	ff, ok := f.files[path]
	if !ok {
		return nil, errorf(IO, "no such file %s", path)
	}
	return io.NopCloser(strings.NewReader(ff.body)), nil
}

type textFormat struct {
	splittable bool
}

func (t textFormat) Splittable() bool                   { return t.splittable }
func (t textFormat) UsesExternalSplitComputation() bool  { return false }
func (t textFormat) IsSymlinkFormat() bool               { return false }
func (t textFormat) GetSplits(FileSystem, string, FileStatus) ([]FileSplit, error) {
	return nil, errorf(Internal, "textFormat does not compute its own splits")
}

type symlinkFormat struct{}

func (symlinkFormat) Splittable() bool                  { return false }
func (symlinkFormat) UsesExternalSplitComputation() bool { return false }
func (symlinkFormat) IsSymlinkFormat() bool              { return true }
func (symlinkFormat) GetSplits(fs FileSystem, path string, status FileStatus) ([]FileSplit, error) {
	return []FileSplit{{Path: path, Start: 0, Length: status.Size}}, nil
}

type delegatingFormat struct {
	splits []FileSplit
}

func (d delegatingFormat) Splittable() bool                  { return true }
func (d delegatingFormat) UsesExternalSplitComputation() bool { return true }
func (d delegatingFormat) IsSymlinkFormat() bool              { return false }
func (d delegatingFormat) GetSplits(FileSystem, string, FileStatus) ([]FileSplit, error) {
	return d.splits, nil
}
