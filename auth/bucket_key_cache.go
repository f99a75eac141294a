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

// Package auth resolves the signing credentials a split-generation
// pipeline needs to talk to a bucket-backed filesystem.
package auth

import (
	"sync"

	"github.com/coldbrewdb/splitload/aws"
	"github.com/coldbrewdb/splitload/aws/s3"
)

// BucketKeyCache memoizes, per bucket name, the aws.SigningKey derived
// for that bucket via aws.AmbientKey("s3", s3.DeriveForBucket(bucket)),
// so that a loader touching many partitions in the same bucket pays
// for the ambient-credential lookup and region derivation at most
// once.
type BucketKeyCache struct {
	lock  sync.RWMutex
	cache map[string]*aws.SigningKey
}

// NewBucketKeyCache returns an empty cache.
func NewBucketKeyCache() *BucketKeyCache {
	return &BucketKeyCache{}
}

// BucketKey returns the aws.SigningKey to use for bucket, deriving and
// caching it on the first lookup.
func (c *BucketKeyCache) BucketKey(bucket string) (*aws.SigningKey, error) {
	if k := c.cached(bucket); k != nil {
		return k, nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.cache == nil {
		c.cache = make(map[string]*aws.SigningKey)
	} else if k, ok := c.cache[bucket]; ok {
		return k, nil
	}

	k, err := aws.AmbientKey("s3", s3.DeriveForBucket(bucket))
	if err != nil {
		return nil, err
	}
	c.cache[bucket] = k
	return k, nil
}

func (c *BucketKeyCache) cached(bucket string) *aws.SigningKey {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.cache == nil {
		return nil
	}
	return c.cache[bucket]
}
