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

package s3_test

import (
	"io/fs"

	"github.com/coldbrewdb/splitload/aws/s3"
	"github.com/coldbrewdb/splitload/fsutil"
)

// These assertions live in the _test package (rather than inside s3
// itself) to avoid a circular import on fsutil.
var (
	_ fsutil.VisitDirFS = &s3.BucketFS{}
	_ fsutil.VisitDirFS = &s3.Prefix{}
	_ fs.ReadDirFS      = &s3.BucketFS{}
	_ fs.SubFS          = &s3.BucketFS{}
	_ fs.File           = &s3.File{}
	_ fs.ReadDirFile    = &s3.Prefix{}
)
