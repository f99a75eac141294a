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

// Command splitloadctl drives the split-generation pipeline against a
// YAML table fixture and a local directory, printing the resulting
// splits to stdout. It exists to exercise the split package end to
// end without a real metastore or query engine attached.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"
	"sigs.k8s.io/yaml"

	"github.com/coldbrewdb/splitload/auth"
	"github.com/coldbrewdb/splitload/memsink"
	"github.com/coldbrewdb/splitload/split"
	"github.com/coldbrewdb/splitload/splitfs/localfs"
	"github.com/coldbrewdb/splitload/splitfs/s3fs"
)

// fixturePartition is one entry of a splitloadctl YAML fixture file.
type fixturePartition struct {
	Name        string            `json:"name"`
	Location    string            `json:"location"`
	InputFormat string            `json:"inputFormat"`
	Values      map[string]string `json:"values,omitempty"`
}

// fixture is the top-level shape of a splitloadctl YAML fixture.
type fixture struct {
	Table       string             `json:"table"`
	Partitions  []fixturePartition `json:"partitions"`
	BucketCount int                `json:"bucketCount,omitempty"`
	Buckets     []int              `json:"buckets,omitempty"`
}

func main() {
	var (
		fixturePath  = flag.String("fixture", "", "path to a YAML table fixture")
		root         = flag.String("root", ".", "local directory the fixture's partitions are relative to")
		concurrency  = flag.Int("concurrency", 4, "number of loader goroutines")
		recursive    = flag.Bool("recursive", false, "descend into sub-directories when walking a partition")
		forceLocal   = flag.Bool("force-local-scheduling", false, "ask the loader to mark splits eligible for local scheduling")
		sinkCapacity = flag.Int("sink-capacity", 256, "backpressure capacity of the demo sink; <=0 means unbounded")
		s3Bucket     = flag.String("s3-bucket", "", "read partitions from this S3 bucket instead of -root; credentials come from the ambient environment")
	)
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "splitloadctl: -fixture is required")
		os.Exit(2)
	}

	fx, err := loadFixture(*fixturePath)
	if err != nil {
		log.Fatalf("splitloadctl: %s", err)
	}

	fingerprint, err := fingerprintFixture(fx)
	if err != nil {
		log.Fatalf("splitloadctl: %s", err)
	}
	log.Printf("splitloadctl: loaded fixture %q (table %s, %d partition(s), fingerprint %x)",
		*fixturePath, fx.Table, len(fx.Partitions), fingerprint[:8])

	partitions := make([]split.Partition, len(fx.Partitions))
	for i, p := range fx.Partitions {
		partitions[i] = split.Partition{
			Name: p.Name,
			Storage: &split.StorageDescriptor{
				Location:    p.Location,
				InputFormat: p.InputFormat,
			},
			Values: p.Values,
		}
	}

	var bucketing *split.BucketHandle
	if fx.BucketCount > 0 {
		bucketing = &split.BucketHandle{BucketCount: fx.BucketCount, Buckets: fx.Buckets}
	}

	var loaderFS split.FileSystem = &localfs.FS{Dir: *root}
	if *s3Bucket != "" {
		bucketFS, err := s3fs.New(*s3Bucket, auth.NewBucketKeyCache())
		if err != nil {
			log.Fatalf("splitloadctl: opening S3 bucket %s: %s", *s3Bucket, err)
		}
		loaderFS = bucketFS
	}
	registry := split.MapInputFormatRegistry{
		"text": textInputFormat{},
	}
	sink := memsink.New(*sinkCapacity)

	cfg := split.Config{LoaderConcurrency: *concurrency, RecursiveDirWalkerEnabled: *recursive}
	session := split.Session{ForceLocalScheduling: *forceLocal}
	src := split.NewSlicePartitionSource(partitions)

	p := split.NewPipeline(cfg, session, src, loaderFS, registry, bucketing, nil, nil, sink, log.Printf)

	drain(sink, p)
}

// drain pulls splits off sink as the pipeline produces them and
// prints each as a line of JSON, until the sink reports it is done.
func drain(sink *memsink.Sink, p *split.Pipeline) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Wait()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		for _, s := range sink.Take(64) {
			mu.Lock()
			enc.Encode(s)
			mu.Unlock()
		}
		if done, err := sink.Done(); done {
			for rest := sink.Take(64); len(rest) > 0; rest = sink.Take(64) {
				for _, s := range rest {
					enc.Encode(s)
				}
			}
			if err != nil {
				log.Fatalf("splitloadctl: pipeline failed: %s", err)
			}
			break
		}
	}
	wg.Wait()
}

func loadFixture(path string) (*fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return &fx, nil
}

// fixtureCacheMu guards fixtureCache, a process-local memo of fixture
// fingerprints keyed by their canonical JSON form, so that
// fingerprinting the same fixture again within one process does not
// re-hash it. The memo does not outlive the process.
var (
	fixtureCacheMu sync.Mutex
	fixtureCache   = map[string][32]byte{}
)

// fingerprintFixture returns a blake2b digest of fx's canonical JSON
// encoding, used only to tag log lines so that two splitloadctl runs
// against the same logical fixture are easy to correlate.
func fingerprintFixture(fx *fixture) ([32]byte, error) {
	canon, err := json.Marshal(fx)
	if err != nil {
		return [32]byte{}, err
	}

	fixtureCacheMu.Lock()
	defer fixtureCacheMu.Unlock()
	if sum, ok := fixtureCache[string(canon)]; ok {
		return sum, nil
	}
	sum := blake2b.Sum256(canon)
	fixtureCache[string(canon)] = sum
	return sum, nil
}

// textInputFormat is the simplest InputFormat splitloadctl knows
// about: plain delimited text files that can be split on arbitrary
// byte boundaries and never compute their own splits.
type textInputFormat struct{}

func (textInputFormat) Splittable() bool                   { return true }
func (textInputFormat) UsesExternalSplitComputation() bool { return false }
func (textInputFormat) IsSymlinkFormat() bool               { return false }

func (textInputFormat) GetSplits(fs split.FileSystem, path string, status split.FileStatus) ([]split.FileSplit, error) {
	return nil, fmt.Errorf("text format does not compute its own splits")
}
