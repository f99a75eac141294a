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

// Package s3 adapts an S3 bucket to io/fs.FS and to this repository's
// fsutil.VisitDirFS, so that split.FileSystem implementations can be
// backed directly by S3 listing and GET/HEAD operations.
package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/coldbrewdb/splitload/aws"
	"github.com/coldbrewdb/splitload/fsutil"
	"golang.org/x/exp/slices"
)

// BucketFS implements fs.FS, fs.ReadDirFS, fs.SubFS, and
// fsutil.VisitDirFS over a single read-only S3 bucket.
type BucketFS struct {
	Key    *aws.SigningKey
	Bucket string
	Client *http.Client
	Ctx    context.Context

	// DelayGet, if true, causes Open to issue a HEAD rather than a
	// GET; the first Read on the resulting fs.File triggers the
	// actual GET.
	DelayGet bool
}

func (b *BucketFS) sub(name string) *Prefix {
	return &Prefix{Key: b.Key, Client: b.Client, Bucket: b.Bucket, Path: name, Ctx: b.Ctx}
}

func invalidPath(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
}

// Sub implements fs.SubFS.
func (b *BucketFS) Sub(dir string) (fs.FS, error) {
	dir = path.Clean(dir)
	if !fs.ValidPath(dir) {
		return nil, invalidPath("sub", dir)
	}
	if dir == "." {
		return b, nil
	}
	return b.sub(dir + "/"), nil
}

// Open implements fs.FS.
//
// The returned fs.File is either a *File or a *Prefix depending on
// whether name names an object or a common path prefix leading to
// multiple objects. If name names neither, Open returns an error
// matching fs.ErrNotExist.
func (b *BucketFS) Open(name string) (fs.File, error) {
	isDir := strings.HasSuffix(name, "/") // a trailing slash forces directory semantics
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return nil, invalidPath("open", name)
	}
	if name == "." {
		return b.sub("."), nil
	}
	if !isDir {
		// a HEAD/GET is cheaper than a listing call, so try that first
		f, err := Open(b.Key, b.Bucket, name, !b.DelayGet)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return f, err
		}
	}
	return b.sub(name).openDir()
}

// VisitDir implements fsutil.VisitDirFS.
func (b *BucketFS) VisitDir(name, seek, pattern string, walk fsutil.VisitDirFn) error {
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return invalidPath("visitdir", name)
	}
	if name == "." {
		return b.sub(".").VisitDir(".", seek, pattern, walk)
	}
	return b.sub(name+"/").VisitDir(".", seek, pattern, walk)
}

// ReadDir implements fs.ReadDirFS.
func (b *BucketFS) ReadDir(name string) ([]fs.DirEntry, error) {
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return nil, invalidPath("readdir", name)
	}
	if name == "." {
		return b.sub(".").ReadDir(-1)
	}
	ret, err := b.sub(name + "/").ReadDir(-1)
	if err != nil {
		return ret, err
	}
	if len(ret) == 0 {
		// an empty listing almost always means name doesn't exist;
		// double-check by trying to open it as a directory
		f, err := b.sub(name + "/").openDir()
		if err != nil {
			return nil, err
		}
		f.Close()
	}
	return ret, nil
}

// Prefix implements fs.File, fs.ReadDirFile, fs.DirEntry, and fs.FS
// over a single S3 key prefix (a pseudo-directory).
type Prefix struct {
	Key    *aws.SigningKey `xml:"-"`
	Bucket string          `xml:"-"`
	// Path is this prefix's key. Prefixes from listings and from
	// openDir end in '/'; the bucket root is "." (or "").
	Path   string          `xml:"Prefix"`
	Client *http.Client    `xml:"-"`
	Ctx    context.Context `xml:"-"`

	token  string // "" means start from the beginning
	dirEOF bool   // true once ReadDir has returned everything
}

func (p *Prefix) join(extra string) string {
	if p.Path == "." {
		return extra
	}
	return path.Join(p.Path, extra)
}

func (p *Prefix) sub(name string) *Prefix {
	return &Prefix{Key: p.Key, Client: p.Client, Bucket: p.Bucket, Path: p.join(name), Ctx: p.Ctx}
}

// Open opens the object or pseudo-directory at file, relative to p.
// The result is a *File for an object, a *Prefix for a nested
// pseudo-directory, or an error matching fs.ErrNotExist if neither
// exists under the bucket.
func (p *Prefix) Open(file string) (fs.File, error) {
	file = path.Clean(file)
	if file == "." {
		return p, nil
	}
	if !fs.ValidPath(file) {
		return nil, invalidPath("open", file)
	}
	// try the path as an object first, then as a pseudo-directory
	f, err := Open(p.Key, p.Bucket, p.join(file), false)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return p.sub(file).openDir()
}

func (p *Prefix) openDir() (fs.File, error) {
	if p.Path == "" || p.Path == "." {
		return p, nil // the bucket root trivially exists
	}
	ret, err := p.list(1, "", "", "")
	if err != nil {
		return nil, err
	}
	if len(ret.Contents) == 0 && len(ret.CommonPrefixes) == 0 {
		return nil, &fs.PathError{Op: "open", Path: p.Path, Err: fs.ErrNotExist}
	}
	if strings.HasSuffix(p.Path, "/") {
		return p, nil
	}
	return &Prefix{Key: p.Key, Bucket: p.Bucket, Client: p.Client, Path: p.Path + "/", Ctx: p.Ctx}, nil
}

func (p *Prefix) Name() string               { return path.Base(p.Path) }
func (p *Prefix) Type() fs.FileMode          { return fs.ModeDir }
func (p *Prefix) Info() (fs.FileInfo, error) { return p.Stat() }
func (p *Prefix) IsDir() bool                { return true }

// ModTime always returns the zero time: S3 prefixes have no
// meaningful modification time of their own.
func (p *Prefix) ModTime() time.Time { return time.Time{} }
func (p *Prefix) Mode() fs.FileMode  { return fs.ModeDir | 0755 }
func (p *Prefix) Sys() interface{}   { return nil }
func (p *Prefix) Size() int64        { return 0 }

func (p *Prefix) Stat() (fs.FileInfo, error) { return p, nil }

// Read always fails: a Prefix is a pseudo-directory, not a readable
// object.
func (p *Prefix) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: p.Path, Err: fs.ErrInvalid}
}

func (p *Prefix) Close() error { return nil }

// File implements fs.File over a single S3 object.
type File struct {
	Reader

	ctx  context.Context // inherited from the bucket that opened this file
	body io.ReadCloser   // populated lazily on first Read
	pos  int64
}

func (f *File) Name() string { return path.Base(f.Reader.Path) }

// Path returns the object's full key within its bucket.
func (f *File) Path() string { return f.Reader.Path }

func (f *File) Mode() fs.FileMode { return 0644 }

// Open implements fsutil's file-opener convention.
func (f *File) Open() (fs.File, error) { return f, nil }

// Read is not safe for concurrent use; use Reader.RangeReader for
// parallel reads. The first call performs a GET for the remainder
// of the object from the current offset.
func (f *File) Read(p []byte) (int, error) {
	if f.body == nil {
		if err := f.ctx.Err(); err != nil {
			return 0, err
		}
		var err error
		f.body, err = f.Reader.RangeReader(f.pos, f.Size()-f.pos)
		if err != nil {
			return 0, err
		}
	}
	n, err := f.body.Read(p)
	f.pos += int64(n)
	return n, err
}

func (f *File) Info() (fs.FileInfo, error) { return f.Stat() }
func (f *File) Type() fs.FileMode          { return f.Mode() }

func (f *File) Close() error {
	if f.body == nil {
		return nil
	}
	err := f.body.Close()
	f.body = nil
	f.pos = 0
	return err
}

// Seek rejects offsets beyond the object's size.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var newpos int64
	switch whence {
	case io.SeekStart:
		newpos = offset
	case io.SeekCurrent:
		newpos = f.pos + offset
	case io.SeekEnd:
		newpos = f.Reader.Size + offset
	default:
		panic("invalid seek whence")
	}
	if newpos < 0 || newpos > f.Reader.Size {
		return f.pos, fmt.Errorf("invalid seek offset %d", newpos)
	}
	if newpos != f.pos && f.body != nil {
		f.body.Close()
		f.body = nil
	}
	f.pos = newpos
	return f.pos, nil
}

func (f *File) Size() int64     { return f.Reader.Size }
func (f *File) IsDir() bool     { return false }
func (f *File) ModTime() time.Time { return f.Reader.LastModified }
func (f *File) Sys() interface{}   { return nil }

func (f *File) Stat() (fs.FileInfo, error) { return f, nil }

// splitMeta splits pattern at its first glob meta-character, so a
// listing can use the literal prefix before it as the S3 list
// "prefix" parameter.
func splitMeta(pattern string) (string, string) {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '\\', '[':
			return pattern[:i], pattern[i:]
		}
	}
	return pattern, ""
}

// VisitDir implements fsutil.VisitDirFS.
func (p *Prefix) VisitDir(name, seek, pattern string, walk fsutil.VisitDirFn) error {
	if !ValidBucket(p.Bucket) {
		return badBucket(p.Bucket)
	}
	subp := p.sub(name)
	if !strings.HasSuffix(subp.Path, "/") {
		subp.Path += "/"
	}
	token := ""
	for {
		d, next, err := subp.readDirAt(-1, token, seek, pattern)
		if err != nil && err != io.EOF {
			return &fs.PathError{Op: "visit", Path: subp.Path, Err: err}
		}
		// the S3 "start-after" parameter, despite its name, excludes
		// the seek key from its own results; fsutil.VisitDir's
		// contract is that seek is exclusive on the client's end
		// too, so drop it here if the server happened to include it
		if len(d) > 0 && d[0].Name() == seek {
			d = d[1:]
		}
		for i := range d {
			if err := walk(d[i]); err != nil {
				if err == fs.SkipDir {
					err = nil
				}
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		token = next
	}
}

// ReadDir implements fs.ReadDirFile. Every returned fs.DirEntry is
// either a *Prefix or a *File.
func (p *Prefix) ReadDir(n int) ([]fs.DirEntry, error) {
	if p.dirEOF {
		return nil, io.EOF
	}
	d, next, err := p.readDirAt(n, p.token, "", "")
	if err == io.EOF {
		p.dirEOF = true
		if len(d) > 0 || n < 0 {
			// fs.ReadDirFile says ReadDir(-1) shouldn't return io.EOF
			err = nil
		}
	}
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: p.Path, Err: err}
	}
	p.token = next
	return d, nil
}

type listResponse struct {
	IsTruncated    bool     `xml:"IsTruncated"`
	Contents       []File   `xml:"Contents"`
	CommonPrefixes []Prefix `xml:"CommonPrefixes"`
	EncodingType   string   `xml:"EncodingType"`
	NextToken      string   `xml:"NextContinuationToken"`
}

func (p *Prefix) list(n int, token, seek, prefix string) (*listResponse, error) {
	if !ValidBucket(p.Bucket) {
		return nil, badBucket(p.Bucket)
	}
	parts := []string{"delimiter=%2F", "list-type=2"}

	reqPath := p.Path
	switch {
	case reqPath == "" || reqPath == ".":
		// "." means the bucket root; replacing it with prefix
		// (possibly "") is the intended behavior
		reqPath = prefix
	case strings.HasSuffix(reqPath, "/"):
		reqPath += prefix
	default:
		reqPath += "/" + prefix
	}
	if reqPath != "" {
		parts = append(parts, "prefix="+escapeQuery(reqPath))
	}
	// the seek parameter only makes sense if it lexically succeeds
	// the prefix; AWS tolerates a redundant start-after but Minio
	// rejects it, so reject it here too
	if seek != "" && (seek < prefix || !strings.HasPrefix(seek, prefix)) {
		return nil, fmt.Errorf("seek %q not compatible with prefix %q", seek, prefix)
	}
	if seek != "" {
		parts = append(parts, "start-after="+escapeQuery(p.join(seek)))
	}
	if n > 0 {
		parts = append(parts, fmt.Sprintf("max-keys=%d", n))
	}
	if token != "" {
		parts = append(parts, "continuation-token="+url.QueryEscape(token))
	}
	sort.Strings(parts)
	query := "?" + strings.Join(parts, "&")

	req, err := http.NewRequestWithContext(p.Ctx, http.MethodGet, bucketURI(p.Key, p.Bucket, query), nil)
	if err != nil {
		return nil, fmt.Errorf("creating http request: %w", err)
	}
	p.Key.SignV4(req, nil)
	res, err := flakyDo(p.client(), req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusNotFound {
			// a missing bucket is reported as fs.ErrNotExist
			return nil, fs.ErrNotExist
		}
		return nil, fmt.Errorf("s3 list objects s3://%s/%s: %s", p.Bucket, p.Path, res.Status)
	}
	ret := &listResponse{}
	if err := xml.NewDecoder(res.Body).Decode(ret); err != nil {
		return nil, fmt.Errorf("xml decoding response: %w", err)
	}
	return ret, nil
}

func patmatch(pattern, name string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	return path.Match(pattern, name)
}

func ignoreKey(key string, dirOK bool) bool {
	name := path.Base(key)
	return key == "" || (!dirOK && key[len(key)-1] == '/') || name == "." || name == ".."
}

// readDirAt reads up to n entries (all, if n < 0) starting at token,
// filtering against seek and pattern the same way VisitDir does. If
// the entire listing was consumed in one call, it returns io.EOF
// alongside the final page, which differs from fs.ReadDirFile's
// ReadDir contract (callers adapt accordingly).
func (p *Prefix) readDirAt(n int, token, seek, pattern string) (d []fs.DirEntry, next string, err error) {
	prefix, _ := splitMeta(pattern)
	ret, err := p.list(n, token, seek, prefix)
	if err != nil {
		return nil, "", err
	}
	out := make([]fs.DirEntry, 0, len(ret.Contents)+len(ret.CommonPrefixes))
	for i := range ret.Contents {
		if ignoreKey(ret.Contents[i].Path(), false) {
			continue
		}
		name := ret.Contents[i].Name()
		match, err := patmatch(pattern, name)
		if err != nil {
			return nil, "", err
		} else if !match {
			continue
		}
		ret.Contents[i].Key = p.Key
		ret.Contents[i].Client = p.client()
		ret.Contents[i].Bucket = p.Bucket
		ret.Contents[i].ctx = p.Ctx
		out = append(out, &ret.Contents[i])
	}
	for i := range ret.CommonPrefixes {
		if ignoreKey(ret.CommonPrefixes[i].Path, true) {
			continue
		}
		name := ret.CommonPrefixes[i].Name()
		match, err := patmatch(pattern, name)
		if err != nil {
			return nil, "", err
		} else if !match {
			continue
		}
		ret.CommonPrefixes[i].Key = p.Key
		ret.CommonPrefixes[i].Bucket = p.Bucket
		ret.CommonPrefixes[i].Client = p.Client
		ret.CommonPrefixes[i].Ctx = p.Ctx
		out = append(out, &ret.CommonPrefixes[i])
	}
	slices.SortFunc(out, func(a, b fs.DirEntry) bool { return a.Name() < b.Name() })
	if !ret.IsTruncated {
		err = io.EOF
	}
	return out, ret.NextToken, err
}

func (p *Prefix) client() *http.Client {
	if p.Client == nil {
		return &DefaultClient
	}
	return p.Client
}
