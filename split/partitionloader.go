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
	"bufio"
	"sort"
	"sync"

	"github.com/dchest/siphash"
)

// TargetFileSystemResolver resolves the FileSystem that should be
// used to read a symlink target path. A symlink file may point at
// data living in a different filesystem (a different bucket, a
// different scheme entirely) than the one the symlink file itself
// was read from, so each target is resolved independently.
type TargetFileSystemResolver interface {
	Resolve(targetPath string) (FileSystem, error)
}

// targetFSCache memoizes TargetFileSystemResolver.Resolve results per
// symlink target path, sharded by the siphash of that path so that
// concurrent PartitionLoaders resolving symlink targets across many
// partitions don't serialize on one global mutex.
type targetFSCache struct {
	resolver TargetFileSystemResolver
	shards   [cacheShardCount]targetFSShard
}

const cacheShardCount = 16

var cacheHashKey0, cacheHashKey1 = uint64(0x6f726e6567617266), uint64(0x636f6c6462726577)

type targetFSShard struct {
	mu sync.Mutex
	m  map[string]FileSystem
}

func newTargetFSCache(r TargetFileSystemResolver) *targetFSCache {
	c := &targetFSCache{resolver: r}
	for i := range c.shards {
		c.shards[i].m = make(map[string]FileSystem)
	}
	return c
}

func (c *targetFSCache) resolve(target string) (FileSystem, error) {
	h := siphash.Hash(cacheHashKey0, cacheHashKey1, []byte(target))
	shard := &c.shards[h%cacheShardCount]

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if fs, ok := shard.m[target]; ok {
		return fs, nil
	}
	fs, err := c.resolver.Resolve(target)
	if err != nil {
		return nil, err
	}
	shard.m[target] = fs
	return fs, nil
}

// PartitionLoader turns one Partition into zero or more InternalSplit
// values (or a fresh FileIterator pushed onto a FileIteratorDeque for
// the generic case), implementing the dispatch order described on
// LoadPartition.
type PartitionLoader struct {
	FS         FileSystem
	Registry   InputFormatRegistry
	Bucketing  *BucketHandle
	PathDomain *PathDomain
	Session    Session
	Recursive  bool

	// TargetResolver is consulted only for symlink-format partitions,
	// to resolve each target line to the FileSystem it should be
	// read from. It may be nil if FS already serves every target a
	// symlink file could name (the common case in a single-filesystem
	// deployment).
	TargetResolver TargetFileSystemResolver
	targetCache    *targetFSCache
	targetOnce     sync.Once
}

func (pl *PartitionLoader) cache() *targetFSCache {
	pl.targetOnce.Do(func() {
		if pl.TargetResolver != nil {
			pl.targetCache = newTargetFSCache(pl.TargetResolver)
		}
	})
	return pl.targetCache
}

// LoadPartition dispatches p to one of five strategies, in priority
// order:
//
//  1. symlink format: the partition's files are themselves
//     line-delimited lists of target paths; each target is resolved,
//     stat'ed and split by the partition's own InputFormat's
//     GetSplits (no separate text InputFormat is used), and the
//     resulting splits are marked non-splittable.
//  2. delegated: the InputFormat computes its own splits.
//  3. bucketed with explicit requested buckets: the directory's file
//     count must match the table's bucket count, and only the
//     requested bucket files are loaded.
//  4. bucketed full scan: every bucket file is loaded.
//  5. generic: a fresh FileIterator is appended to deque for later,
//     lazy, file-by-file draining.
//
// LoadPartition itself never touches deque or sink directly for
// cases 1-4: it returns the splits (or an error) for the caller
// (LoaderTask) to enqueue under the read lock discipline. Case 5
// instead returns a non-nil FileIterator for the caller to push.
func (pl *PartitionLoader) LoadPartition(p Partition) ([]*InternalSplit, *FileIterator, error) {
	if err := validatePartitionValues(p); err != nil {
		return nil, nil, err
	}

	storage := p.Storage
	if storage == nil {
		return nil, nil, errorf(Internal, "partition %s has no storage descriptor", p.Name)
	}

	format, err := pl.Registry.Lookup(storage.InputFormat)
	if err != nil {
		return nil, nil, err
	}

	if format.IsSymlinkFormat() {
		if pl.Bucketing != nil {
			return nil, nil, errorf(Unsupported, "partition %s: bucketed symlink tables are not supported", p.Name)
		}
		splits, err := pl.loadSymlinkPartition(p, format)
		return splits, nil, err
	}

	if format.UsesExternalSplitComputation() {
		splits, err := pl.loadDelegatedPartition(p, format)
		return splits, nil, err
	}

	if pl.Bucketing != nil && len(pl.Bucketing.Buckets) > 0 {
		splits, err := pl.loadBucketedPartition(p, format, pl.Bucketing.BucketCount, pl.Bucketing.Buckets)
		return splits, nil, err
	}
	if pl.Bucketing != nil {
		all := make([]int, pl.Bucketing.BucketCount)
		for i := range all {
			all[i] = i
		}
		splits, err := pl.loadBucketedPartition(p, format, pl.Bucketing.BucketCount, all)
		return splits, nil, err
	}

	return nil, NewFileIterator(pl.FS, p, storage.Location, pl.Recursive), nil
}

// validatePartitionValues checks p's declared partition-key values
// before anything is resolved against storage: an arity mismatch
// between PartitionColumns and Values, or a Hive "default partition"
// sentinel standing in for any declared column's value, are both
// metadata problems rather than I/O failures and should fail fast.
func validatePartitionValues(p Partition) error {
	if p.PartitionColumns == nil {
		return nil
	}
	if len(p.Values) != len(p.PartitionColumns) {
		return errorf(InvalidMetadata,
			"partition %s: expected %d partition value(s) for columns %v, found %d",
			p.Name, len(p.PartitionColumns), p.PartitionColumns, len(p.Values))
	}
	for _, col := range p.PartitionColumns {
		v, ok := p.Values[col]
		if !ok {
			return errorf(InvalidMetadata, "partition %s: missing value for partition column %q", p.Name, col)
		}
		if v == HiveDefaultPartitionValue {
			return errorf(InvalidPartitionValue, "partition %s: column %q has no value", p.Name, col)
		}
	}
	return nil
}

func (pl *PartitionLoader) loadSymlinkPartition(p Partition, format InputFormat) ([]*InternalSplit, error) {
	entries, err := pl.FS.ListStatus(p.Storage.Location)
	if err != nil {
		return nil, errorf(IO, "listing symlink partition %s: %w", p.Name, err)
	}

	var splits []*InternalSplit
	for _, e := range entries {
		if e.IsDir || isHidden(baseName(e.Path)) {
			continue
		}
		targets, err := pl.readSymlinkTargets(e.Path)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			targetFS := pl.FS
			if c := pl.cache(); c != nil {
				targetFS, err = c.resolve(target)
				if err != nil {
					return nil, errorf(IO, "resolving filesystem for symlink target %s: %w", target, err)
				}
			}
			status, err := targetFS.Stat(target)
			if err != nil {
				return nil, errorf(IO, "stat symlink target %s: %w", target, err)
			}
			fileSplits, err := format.GetSplits(targetFS, target, status)
			if err != nil {
				return nil, errorf(IO, "computing splits for symlink target %s: %w", target, err)
			}
			blocks, err := targetFS.BlockLocations(target, status)
			if err != nil {
				return nil, errorf(IO, "block locations for symlink target %s: %w", target, err)
			}
			for _, fs := range fileSplits {
				split, err := CreateSplit(SplitParams{
					PartitionName:        p.Name,
					Path:                 fs.Path,
					Start:                fs.Start,
					Length:               fs.Length,
					FileSize:             status.Size,
					Schema:               p.Storage.Schema,
					PartitionKeys:        p.Values,
					Blocks:               blocks,
					Splittable:           false,
					Coercions:            p.Coercions,
					PathDomain:           pl.PathDomain,
					ForceLocalScheduling: pl.Session.ForceLocalScheduling,
				})
				if err != nil {
					return nil, err
				}
				if split != nil {
					splits = append(splits, split)
				}
			}
		}
	}
	return splits, nil
}

// readSymlinkTargets parses path as a UTF-8, line-delimited list of
// target file paths, the format Hive writes for symlink-text tables.
func (pl *PartitionLoader) readSymlinkTargets(path string) ([]string, error) {
	r, err := pl.FS.Open(path)
	if err != nil {
		return nil, errorf(IO, "opening symlink file %s: %w", path, err)
	}
	defer r.Close()

	var targets []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		targets = append(targets, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errorf(BadData, "reading symlink file %s: %w", path, err)
	}
	return targets, nil
}

func (pl *PartitionLoader) loadDelegatedPartition(p Partition, format InputFormat) ([]*InternalSplit, error) {
	status, err := pl.FS.Stat(p.Storage.Location)
	if err != nil {
		return nil, errorf(IO, "stat partition location %s: %w", p.Storage.Location, err)
	}
	fileSplits, err := format.GetSplits(pl.FS, p.Storage.Location, status)
	if err != nil {
		return nil, errorf(IO, "delegated split computation for %s: %w", p.Name, err)
	}
	blocks, err := pl.FS.BlockLocations(p.Storage.Location, status)
	if err != nil {
		return nil, errorf(IO, "block locations for %s: %w", p.Storage.Location, err)
	}
	var splits []*InternalSplit
	for _, fs := range fileSplits {
		split, err := CreateSplit(SplitParams{
			PartitionName:        p.Name,
			Path:                 fs.Path,
			Start:                fs.Start,
			Length:               fs.Length,
			FileSize:             status.Size,
			Schema:               p.Storage.Schema,
			PartitionKeys:        p.Values,
			Blocks:               blocks,
			Splittable:           format.Splittable(),
			Coercions:            p.Coercions,
			PathDomain:           pl.PathDomain,
			ForceLocalScheduling: pl.Session.ForceLocalScheduling,
		})
		if err != nil {
			return nil, err
		}
		if split != nil {
			splits = append(splits, split)
		}
	}
	return splits, nil
}

func (pl *PartitionLoader) loadBucketedPartition(p Partition, format InputFormat, bucketCount int, buckets []int) ([]*InternalSplit, error) {
	entries, err := pl.FS.ListStatus(p.Storage.Location)
	if err != nil {
		return nil, errorf(IO, "listing bucketed partition %s: %w", p.Name, err)
	}
	var files []FileStatus
	for _, e := range entries {
		if isHidden(baseName(e.Path)) {
			continue
		}
		if e.IsDir {
			return nil, errorf(InvalidBucketFiles,
				"partition %s: sub-directory %s found in bucket directory", p.Name, e.Path)
		}
		files = append(files, e)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	if len(files) != bucketCount {
		return nil, errorf(InvalidBucketFiles,
			"partition %s: expected %d bucket file(s), found %d", p.Name, bucketCount, len(files))
	}

	var splits []*InternalSplit
	for _, bucket := range buckets {
		bucket := bucket // each split keeps its own BucketNumber
		f := files[bucket]
		blocks, err := pl.FS.BlockLocations(f.Path, f)
		if err != nil {
			return nil, errorf(IO, "block locations for %s: %w", f.Path, err)
		}
		split, err := CreateSplit(SplitParams{
			PartitionName:        p.Name,
			Path:                 f.Path,
			Start:                 0,
			Length:               f.Size,
			FileSize:             f.Size,
			Schema:               p.Storage.Schema,
			PartitionKeys:        p.Values,
			Blocks:               blocks,
			BucketNumber:         &bucket,
			Splittable:           format.Splittable(),
			Coercions:            p.Coercions,
			PathDomain:           pl.PathDomain,
			ForceLocalScheduling: pl.Session.ForceLocalScheduling,
		})
		if err != nil {
			return nil, err
		}
		if split != nil {
			splits = append(splits, split)
		}
	}
	return splits, nil
}
