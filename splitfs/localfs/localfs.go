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

// Package localfs adapts the local filesystem to split.FileSystem,
// for running the loader against data sitting on disk (a developer
// machine, or a worker with data staged to local scratch space).
package localfs

import (
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/coldbrewdb/splitload/fsutil"
	"github.com/coldbrewdb/splitload/split"
)

// blockSize is the granularity at which FS synthesizes BlockLocation
// entries for a file, mimicking the block boundaries a distributed
// filesystem would impose. Every block is reported as local, since
// the data really is local.
const blockSize = 64 << 20

// FS adapts the directory rooted at Dir to split.FileSystem. Every
// block it reports is pinned to the single host name Host (default
// "localhost" if empty), which makes ForceLocalScheduling behave
// correctly out of the box: split.CreateSplit only honors
// ForceLocalScheduling when every block names at least one host other
// than the literal string "localhost".
type FS struct {
	Dir  string
	Host string
}

func (f *FS) root() fs.FS { return os.DirFS(f.Dir) }

func (f *FS) host() string {
	if f.Host == "" {
		return "localhost"
	}
	return f.Host
}

func (f *FS) rel(p string) string {
	r, err := pathRel(f.Dir, p)
	if err != nil {
		return p
	}
	return r
}

func (f *FS) ListStatus(dir string) ([]split.FileStatus, error) {
	rel := f.rel(dir)
	if rel == "" {
		rel = "."
	}
	var out []split.FileStatus
	err := fsutil.VisitDir(f.root(), rel, "", "", func(d fsutil.DirEntry) error {
		if len(d.Name()) > 0 && (d.Name()[0] == '.' || d.Name()[0] == '_') {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		full := path.Join(dir, d.Name())
		out = append(out, split.FileStatus{
			Path:    full,
			Size:    info.Size(),
			IsDir:   d.IsDir(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FS) Stat(p string) (split.FileStatus, error) {
	rel := f.rel(p)
	if rel == "" {
		rel = "."
	}
	info, err := fs.Stat(f.root(), rel)
	if err != nil {
		return split.FileStatus{}, err
	}
	return split.FileStatus{
		Path:    p,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

func (f *FS) BlockLocations(path string, status split.FileStatus) ([]split.BlockLocation, error) {
	if status.Size == 0 {
		return []split.BlockLocation{{Offset: 0, Length: 0, Hosts: []string{f.host()}}}, nil
	}
	var blocks []split.BlockLocation
	for off := int64(0); off < status.Size; off += blockSize {
		n := int64(blockSize)
		if off+n > status.Size {
			n = status.Size - off
		}
		blocks = append(blocks, split.BlockLocation{Offset: off, Length: n, Hosts: []string{f.host()}})
	}
	return blocks, nil
}

func (f *FS) Open(p string) (io.ReadCloser, error) {
	rel := f.rel(p)
	if rel == "" {
		rel = "."
	}
	return f.root().Open(rel)
}

func pathRel(base, target string) (string, error) {
	if len(target) >= len(base) && target[:len(base)] == base {
		rel := target[len(base):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel, nil
	}
	return target, nil
}
