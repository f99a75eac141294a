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

// Package s3fs adapts an S3 bucket to split.FileSystem, for loading
// splits out of object storage.
package s3fs

import (
	"context"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/coldbrewdb/splitload/aws/s3"
	"github.com/coldbrewdb/splitload/auth"
	"github.com/coldbrewdb/splitload/fsutil"
	"github.com/coldbrewdb/splitload/split"
)

// FS adapts Bucket to split.FileSystem. S3 has no notion of
// block-level replica placement the way HDFS does, so BlockLocations
// always reports one block spanning the whole object with an empty
// Hosts list; split.CreateSplit only sets ForceLocalScheduling when
// every block names a non-"localhost" host, so a table backed by FS
// can never have ForceLocalScheduling forced on, which matches
// reality: there is no "local" copy of an S3 object.
type FS struct {
	Bucket *s3.BucketFS
}

// New resolves bucket's signing key through keys (deriving and
// caching it against the bucket's own region on first use) and
// returns an FS ready to back a table's partitions.
func New(bucket string, keys *auth.BucketKeyCache) (*FS, error) {
	key, err := keys.BucketKey(bucket)
	if err != nil {
		return nil, err
	}
	return &FS{Bucket: &s3.BucketFS{Key: key, Bucket: bucket, Ctx: context.Background()}}, nil
}

func (f *FS) ListStatus(dir string) ([]split.FileStatus, error) {
	rel := strings.TrimPrefix(dir, "/")
	var out []split.FileStatus
	err := fsutil.VisitDir(f.Bucket, rel, "", "", func(d fsutil.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, split.FileStatus{
			Path:    path.Join(dir, d.Name()),
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
	rel := strings.TrimPrefix(p, "/")
	file, err := f.Bucket.Open(rel)
	if err != nil {
		return split.FileStatus{}, err
	}
	defer file.Close()
	info, err := file.Stat()
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
	return []split.BlockLocation{{Offset: 0, Length: status.Size}}, nil
}

func (f *FS) Open(p string) (io.ReadCloser, error) {
	rel := strings.TrimPrefix(p, "/")
	file, err := f.Bucket.Open(rel)
	if err != nil {
		return nil, err
	}
	rc, ok := file.(io.ReadCloser)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrInvalid}
	}
	return rc, nil
}
