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

package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coldbrewdb/splitload/aws"
)

// DefaultClient is the default HTTP client used for requests made
// from this package.
var DefaultClient = http.Client{
	Transport: &http.Transport{
		ResponseHeaderTimeout: 60 * time.Second,
		// AWS hands out a handful of DNS entries per S3 endpoint;
		// a handful of idle connections per host is enough to
		// saturate that without the default of 2.
		MaxIdleConnsPerHost: 5,
		// avoid transparent gzip decompression of object bodies
		DisableCompression: true,
		// identify dead hosts from S3's round-robin DNS quickly,
		// during connection establishment rather than mid-read
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	},
}

var (
	// ErrInvalidBucket is returned from calls that attempt to use a
	// bucket name that isn't valid according to the S3 specification.
	ErrInvalidBucket = errors.New("invalid bucket name")
	// ErrETagChanged is returned from read operations where the ETag
	// of the underlying object changed since the Reader was
	// constructed (this package guarantees reads are always
	// consistent with respect to that ETag).
	ErrETagChanged = errors.New("file ETag changed")
)

func badBucket(name string) error {
	return fmt.Errorf("%w: %s", ErrInvalidBucket, name)
}

// ValidBucket reports whether bucket is a valid bucket name.
//
// See https://docs.aws.amazon.com/AmazonS3/latest/userguide/bucketnamingrules.html
//
// ValidBucket accepts a '.' between other characters (but not two
// in a row); bucketURI addresses such dotted names path-style, since
// they can't be used as a virtual-host DNS label.
func ValidBucket(bucket string) bool {
	if len(bucket) < 3 || len(bucket) > 63 {
		return false
	}
	if strings.HasPrefix(bucket, "xn--") || strings.HasSuffix(bucket, "-s3alias") {
		return false
	}
	for i := 0; i < len(bucket); i++ {
		c := bucket[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case i > 0 && i < len(bucket)-1 && c == '-':
		case i > 0 && i < len(bucket)-1 && c == '.' && bucket[i-1] != '.':
		default:
			return false
		}
	}
	return true
}

// Reader presents a read-only view of an S3 object.
type Reader struct {
	// Key signs the HTTP requests Reader makes; it may need to be
	// refreshed periodically as signing keys expire daily.
	Key *aws.SigningKey `xml:"-"`

	// Client is the HTTP client used for requests. DefaultClient is
	// used if this is nil.
	Client *http.Client `xml:"-"`

	ETag         string    `xml:"ETag"`
	LastModified time.Time `xml:"LastModified"`
	Size         int64     `xml:"Size"`
	Bucket       string    `xml:"-"`
	Path         string    `xml:"Key"`
}

// bucketURI builds a request URI for bucket with the given
// (already escaped) path-and-query suffix, preferring virtual-host
// addressing and falling back to path-style for bucket names that
// can't be used as a DNS label.
func bucketURI(k *aws.SigningKey, bucket, pathAndQuery string) string {
	if k.BaseURI != "" {
		return k.BaseURI + "/" + bucket + "/" + pathAndQuery
	}
	if strings.IndexByte(bucket, '.') < 0 {
		return "https://" + bucket + ".s3." + k.Region + ".amazonaws.com/" + pathAndQuery
	}
	return "https://s3." + k.Region + ".amazonaws.com/" + bucket + "/" + pathAndQuery
}

// escapeQuery escapes s for use as a query parameter value.
func escapeQuery(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// escapeObjectKey escapes an object key for use in a request path,
// restoring the literal '/' separators AWS expects within a key.
func escapeObjectKey(s string) string {
	return strings.ReplaceAll(escapeQuery(s), "%2F", "/")
}

// objectURI builds the request URI for a single object.
func objectURI(k *aws.SigningKey, bucket, object string) string {
	return bucketURI(k, bucket, escapeObjectKey(object))
}

// Stat performs a HEAD on an S3 object and returns an associated
// Reader.
func Stat(k *aws.SigningKey, bucket, object string) (*Reader, error) {
	r := new(Reader)
	body, err := r.open(k, bucket, object, false)
	if body != nil {
		body.Close()
	}
	return r, err
}

// NewFile constructs a File pointing at the given bucket, object,
// etag, and file size. The caller is assumed to have already
// determined these attributes; NewFile performs no I/O to confirm
// the object exists or that the ETag and size are current.
func NewFile(k *aws.SigningKey, bucket, object, etag string, size int64) *File {
	return &File{
		Reader: Reader{Key: k, Bucket: bucket, Path: object, ETag: etag, Size: size},
		ctx:    context.Background(),
	}
}

// Open performs a GET (or, if contents is false, a HEAD) on an S3
// object and returns the associated File.
func Open(k *aws.SigningKey, bucket, object string, contents bool) (*File, error) {
	f := new(File)
	if err := f.open(k, bucket, object, contents); err != nil {
		return nil, err
	}
	return f, nil
}

// flakyDo retries a request once against the small class of
// transient S3 server errors, re-winding the body via req.GetBody
// when one was set.
func flakyDo(cl *http.Client, req *http.Request) (*http.Response, error) {
	if cl == nil {
		cl = &DefaultClient
	}
	hasBody := req.Body != nil
	res, err := cl.Do(req)
	if err == nil && res.StatusCode != http.StatusInternalServerError && res.StatusCode != http.StatusServiceUnavailable {
		return res, err
	}
	if hasBody && req.GetBody == nil {
		return res, err
	}
	if res != nil {
		res.Body.Close()
	}
	if hasBody {
		req.Body, err = req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
	}
	return cl.Do(req)
}

func (f *File) open(k *aws.SigningKey, bucket, object string, contents bool) error {
	body, err := f.Reader.open(k, bucket, object, contents)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return err
	}
	if !contents {
		body.Close()
		body = nil
	}
	f.body = body
	f.ctx = context.Background()
	return nil
}

func (r *Reader) open(k *aws.SigningKey, bucket, object string, contents bool) (io.ReadCloser, error) {
	if !ValidBucket(bucket) {
		return nil, badBucket(bucket)
	}
	method := http.MethodHead
	if contents {
		method = http.MethodGet
	}
	req, err := http.NewRequest(method, objectURI(k, bucket, object), nil)
	if err != nil {
		return nil, err
	}
	k.SignV4(req, nil)

	res, err := flakyDo(&DefaultClient, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusNotFound {
		return res.Body, &fs.PathError{Op: "open", Path: "s3://" + bucket + "/" + object, Err: fs.ErrNotExist}
	}
	if res.StatusCode != http.StatusOK {
		// HEAD error responses carry no body to extract a message from
		return res.Body, fmt.Errorf("s3.Open: HEAD returned %s", res.Status)
	}
	if res.ContentLength < 0 {
		return res.Body, fmt.Errorf("s3.Open: content length %d invalid", res.ContentLength)
	}
	lm, _ := time.Parse(time.RFC1123, res.Header.Get("LastModified"))
	*r = Reader{
		Key:          k,
		Client:       &DefaultClient,
		ETag:         res.Header.Get("ETag"),
		LastModified: lm,
		Size:         res.ContentLength,
		Bucket:       bucket,
		Path:         object,
	}
	return res.Body, nil
}

// WriteTo implements io.WriterTo.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, objectURI(r.Key, r.Bucket, r.Path), nil)
	if err != nil {
		return 0, err
	}
	r.Key.SignV4(req, nil)

	res, err := flakyDo(r.Client, req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("s3.Reader.WriteTo: status %s %q", res.Status, extractMessage(res.Body))
	}
	return io.Copy(w, res.Body)
}

// RangeReader returns an io.ReadCloser over the byte range
// [off, off+width). The caller must Close the result.
func (r *Reader) RangeReader(off, width int64) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, objectURI(r.Key, r.Bucket, r.Path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+width-1))
	req.Header.Set("If-Match", r.ETag)
	r.Key.SignV4(req, nil)
	res, err := flakyDo(r.Client, req)
	if err != nil {
		return nil, err
	}
	switch res.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		return res.Body, nil
	case http.StatusPreconditionFailed:
		res.Body.Close()
		return nil, ErrETagChanged
	case http.StatusNotFound:
		res.Body.Close()
		return nil, &fs.PathError{Op: "read", Path: r.Path, Err: fs.ErrNotExist}
	default:
		defer res.Body.Close()
		return nil, fmt.Errorf("s3.Reader.RangeReader: status %s %q", res.Status, extractMessage(res.Body))
	}
}

// ReadAt implements io.ReaderAt.
func (r *Reader) ReadAt(dst []byte, off int64) (int, error) {
	rd, err := r.RangeReader(off, int64(len(dst)))
	if err != nil {
		return 0, err
	}
	defer rd.Close()
	return io.ReadFull(rd, dst)
}

// BucketRegion returns the region a bucket lives in.
func BucketRegion(k *aws.SigningKey, bucket string) (string, error) {
	if !ValidBucket(bucket) {
		return "", badBucket(bucket)
	}
	if k.BaseURI != "" {
		return k.Region, nil
	}
	req, err := http.NewRequest(http.MethodGet, bucketURI(k, bucket, "?location="), nil)
	if err != nil {
		return "", err
	}
	k.SignV4(req, nil)
	res, err := flakyDo(&DefaultClient, req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusForbidden {
		return k.Region, nil
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("s3.BucketRegion: %s %q", res.Status, extractMessage(res.Body))
	}
	var region string
	if err := xml.NewDecoder(res.Body).Decode(&region); err != nil {
		return "", fmt.Errorf("s3.BucketRegion: decoding response: %w", err)
	}
	if region == "" || region == "null" {
		return "us-east-1", nil
	}
	return region, nil
}

// DeriveForBucket returns an aws.DeriveFn that re-derives keys so
// they apply to the region the given bucket actually lives in,
// regardless of what region the caller's ambient credentials name.
func DeriveForBucket(bucket string) aws.DeriveFn {
	return func(baseURI, id, secret, token, region, service string) (*aws.SigningKey, error) {
		if !ValidBucket(bucket) {
			return nil, badBucket(bucket)
		}
		if service != "s3" {
			return nil, fmt.Errorf("s3.DeriveForBucket: expected service \"s3\"; got %q", service)
		}
		k := aws.DeriveKey(baseURI, id, secret, region, service)
		k.Token = token
		bregion, err := BucketRegion(k, bucket)
		if err != nil {
			return nil, err
		}
		if bregion == region {
			return k, nil
		}
		k = aws.DeriveKey(baseURI, id, secret, bregion, service)
		k.Token = token
		return k, nil
	}
}

// extractMessage pulls the <Message> field out of an S3 XML error
// body, for inclusion in a wrapped error.
func extractMessage(r io.Reader) string {
	body := struct {
		Message string `xml:"Message"`
	}{}
	if xml.NewDecoder(r).Decode(&body) == nil && body.Message != "" {
		return body.Message
	}
	return "(no message)"
}
