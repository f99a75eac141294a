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
	"fmt"
	"sync"
	"testing"
	"time"
)

// testSink is a minimal SplitSink for pipeline-level tests: it never
// backpressures, and it records every call so tests can assert on
// the final state once NoMoreSplits or Fail fires.
type testSink struct {
	mu     sync.Mutex
	splits []*InternalSplit
	done   bool
	failed error
}

func (s *testSink) AddSplit(sp *InternalSplit) *Signal {
	s.mu.Lock()
	s.splits = append(s.splits, sp)
	s.mu.Unlock()
	return Completed()
}

func (s *testSink) AddSplits(sps []*InternalSplit) *Signal {
	s.mu.Lock()
	s.splits = append(s.splits, sps...)
	s.mu.Unlock()
	return Completed()
}

func (s *testSink) NoMoreSplits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
}

func (s *testSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.failed = err
}

func (s *testSink) snapshot() ([]*InternalSplit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InternalSplit, len(s.splits))
	copy(out, s.splits)
	return out, s.done, s.failed
}

// bpSink backpressures once it has accepted threshold splits, until
// the test calls release.
type bpSink struct {
	mu        sync.Mutex
	splits    []*InternalSplit
	done      bool
	failed    error
	threshold int
	pending   *Signal
}

func (s *bpSink) AddSplit(sp *InternalSplit) *Signal {
	return s.AddSplits([]*InternalSplit{sp})
}

func (s *bpSink) AddSplits(sps []*InternalSplit) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splits = append(s.splits, sps...)
	if len(s.splits) < s.threshold {
		return Completed()
	}
	if s.pending == nil {
		s.pending = NewSignal()
	}
	return s.pending
}

func (s *bpSink) NoMoreSplits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
}

func (s *bpSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.failed = err
}

func (s *bpSink) release() {
	s.mu.Lock()
	sig := s.pending
	s.mu.Unlock()
	if sig != nil {
		sig.Complete()
	}
}

func (s *bpSink) snapshot() ([]*InternalSplit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InternalSplit, len(s.splits))
	copy(out, s.splits)
	return out, s.done, s.failed
}

func TestPipelineBackpressureReparksAndResumes(t *testing.T) {
	fs := newFakeFS().addDir("tbl")
	for i := 0; i < 10; i++ {
		fs.addFile(fmt.Sprintf("tbl/f%02d.txt", i), "x")
	}
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "unpartitioned", Storage: &StorageDescriptor{Location: "tbl", InputFormat: "text"}},
	})
	sink := &bpSink{threshold: 7}

	p := NewPipeline(Config{LoaderConcurrency: 1}, Session{}, src, fs, registry, nil, nil, nil, sink, nil)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if splits, _, _ := sink.snapshot(); len(splits) >= sink.threshold {
			break
		}
		time.Sleep(time.Millisecond)
	}
	splits, done, _ := sink.snapshot()
	if len(splits) != 7 {
		t.Fatalf("expected exactly 7 splits buffered before backpressure, got %d", len(splits))
	}
	if done {
		t.Fatal("pipeline should not be done while backpressured")
	}

	sink.release()

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, done, _ := sink.snapshot(); done {
			break
		}
		time.Sleep(time.Millisecond)
	}
	p.Wait()

	splits, done, err := sink.snapshot()
	if !done || err != nil {
		t.Fatalf("expected completion with no failure, got done=%v err=%v", done, err)
	}
	if len(splits) != 10 {
		t.Fatalf("expected all 10 splits delivered with none dropped or duplicated, got %d", len(splits))
	}
	seen := make(map[string]bool)
	for _, s := range splits {
		if seen[s.Path] {
			t.Fatalf("split for %s delivered more than once", s.Path)
		}
		seen[s.Path] = true
	}
}

func waitDone(t *testing.T, sink *testSink) ([]*InternalSplit, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if splits, done, err := sink.snapshot(); done {
			return splits, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("pipeline did not signal completion in time")
	return nil, nil
}

func TestPipelineUnpartitionedTwoFiles(t *testing.T) {
	fs := newFakeFS().
		addDir("tbl").
		addFile("tbl/a.txt", "aaaa").
		addFile("tbl/b.txt", "bb")
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "unpartitioned", Storage: &StorageDescriptor{Location: "tbl", InputFormat: "text"}},
	})
	sink := &testSink{}

	p := NewPipeline(Config{LoaderConcurrency: 2}, Session{}, src, fs, registry, nil, nil, nil, sink, nil)
	splits, err := waitDone(t, sink)
	p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if len(splits) != 2 {
		t.Fatalf("expected 2 splits, got %d: %+v", len(splits), splits)
	}
}

func TestPipelineBucketedExplicitBuckets(t *testing.T) {
	fs := newFakeFS().
		addDir("tbl").
		addFile("tbl/000000_0", "a").
		addFile("tbl/000001_0", "b")
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "p0", Storage: &StorageDescriptor{Location: "tbl", InputFormat: "text"}},
	})
	sink := &testSink{}
	bucketing := &BucketHandle{BucketCount: 2, Buckets: []int{0, 1}}

	p := NewPipeline(Config{LoaderConcurrency: 3}, Session{}, src, fs, registry, bucketing, nil, nil, sink, nil)
	splits, err := waitDone(t, sink)
	p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if len(splits) != 2 {
		t.Fatalf("expected 2 splits, got %d", len(splits))
	}
}

func TestPipelinePropagatesBucketMismatchFailure(t *testing.T) {
	fs := newFakeFS().
		addDir("tbl").
		addFile("tbl/000000_0", "a")
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "p0", Storage: &StorageDescriptor{Location: "tbl", InputFormat: "text"}},
	})
	sink := &testSink{}
	bucketing := &BucketHandle{BucketCount: 2, Buckets: []int{0, 1}}

	p := NewPipeline(Config{LoaderConcurrency: 1}, Session{}, src, fs, registry, bucketing, nil, nil, sink, nil)
	_, err := waitDone(t, sink)
	p.Wait()
	if err == nil {
		t.Fatal("expected the bucket-count mismatch to reach the sink as a failure")
	}
	var se *Error
	if !asError(err, &se) || se.Kind != InvalidBucketFiles {
		t.Fatalf("expected InvalidBucketFiles, got %v", err)
	}
}

func TestPipelinePathDomainPrunesFiles(t *testing.T) {
	fs := newFakeFS().
		addDir("tbl").
		addFile("tbl/a.txt", "aaaa").
		addFile("tbl/b.txt", "bb")
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "unpartitioned", Storage: &StorageDescriptor{Location: "tbl", InputFormat: "text"}},
	})
	sink := &testSink{}
	domain := NewPathDomain("tbl/a.txt")

	p := NewPipeline(Config{LoaderConcurrency: 2}, Session{}, src, fs, registry, nil, domain, nil, sink, nil)
	splits, err := waitDone(t, sink)
	p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if len(splits) != 1 || splits[0].Path != "tbl/a.txt" {
		t.Fatalf("expected exactly the one split allowed by the path domain, got %+v", splits)
	}
}

func TestPipelineRecursiveDirWalkDiscoversNestedFiles(t *testing.T) {
	fs := newFakeFS().
		addDir("tbl").
		addFile("tbl/top.txt", "a").
		addDir("tbl/y=2020").
		addFile("tbl/y=2020/jan.txt", "bb").
		addDir("tbl/y=2020/m=01").
		addFile("tbl/y=2020/m=01/d=01.txt", "ccc").
		addDir("tbl/y=2021").
		addFile("tbl/y=2021/feb.txt", "dddd")
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "unpartitioned", Storage: &StorageDescriptor{Location: "tbl", InputFormat: "text"}},
	})
	sink := &testSink{}

	cfg := Config{LoaderConcurrency: 4, RecursiveDirWalkerEnabled: true}
	p := NewPipeline(cfg, Session{}, src, fs, registry, nil, nil, nil, sink, nil)
	splits, err := waitDone(t, sink)
	p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"tbl/top.txt":              true,
		"tbl/y=2020/jan.txt":       true,
		"tbl/y=2020/m=01/d=01.txt": true,
		"tbl/y=2021/feb.txt":       true,
	}
	if len(splits) != len(want) {
		t.Fatalf("expected %d splits from the full recursive walk, got %d: %+v", len(want), len(splits), splits)
	}
	for _, s := range splits {
		if !want[s.Path] {
			t.Fatalf("unexpected split path %s", s.Path)
		}
		delete(want, s.Path)
	}
	if len(want) != 0 {
		t.Fatalf("missing splits for paths: %v", want)
	}
}

func TestPipelineNonRecursiveIgnoresSubdirectories(t *testing.T) {
	fs := newFakeFS().
		addDir("tbl").
		addFile("tbl/top.txt", "a").
		addDir("tbl/y=2020").
		addFile("tbl/y=2020/jan.txt", "bb")
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "unpartitioned", Storage: &StorageDescriptor{Location: "tbl", InputFormat: "text"}},
	})
	sink := &testSink{}

	p := NewPipeline(Config{LoaderConcurrency: 2}, Session{}, src, fs, registry, nil, nil, nil, sink, nil)
	splits, err := waitDone(t, sink)
	p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if len(splits) != 1 || splits[0].Path != "tbl/top.txt" {
		t.Fatalf("expected only the top-level file without recursion, got %+v", splits)
	}
}

func TestPipelineMultiplePartitionsViaMultipleTasks(t *testing.T) {
	fs := newFakeFS().
		addDir("tbl/p=1").
		addFile("tbl/p=1/a.txt", "aaaa").
		addDir("tbl/p=2").
		addFile("tbl/p=2/b.txt", "bb").
		addFile("tbl/p=2/c.txt", "ccc")
	registry := MapInputFormatRegistry{"text": textFormat{splittable: true}}
	src := NewSlicePartitionSource([]Partition{
		{Name: "p=1", Storage: &StorageDescriptor{Location: "tbl/p=1", InputFormat: "text"}},
		{Name: "p=2", Storage: &StorageDescriptor{Location: "tbl/p=2", InputFormat: "text"}},
	})
	sink := &testSink{}

	p := NewPipeline(Config{LoaderConcurrency: 4}, Session{}, src, fs, registry, nil, nil, nil, sink, nil)
	splits, err := waitDone(t, sink)
	p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if len(splits) != 3 {
		t.Fatalf("expected 3 splits across both partitions, got %d: %+v", len(splits), splits)
	}
}
