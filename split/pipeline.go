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
	"sync"

	"github.com/google/uuid"
)

// Pipeline is the top-level entry point of this package: given a
// source of partitions, a filesystem, an InputFormat registry and a
// destination SplitSink, it drives Config.LoaderConcurrency
// background LoaderTask goroutines that turn partitions into splits
// until every partition (and every file discovered within it) has
// been enqueued, at which point the sink's NoMoreSplits is invoked
// exactly once.
type Pipeline struct {
	id uuid.UUID

	rw    sync.RWMutex
	queue *PartitionQueue
	deque *FileIteratorDeque
	sink  SplitSink
	arb   *TerminationArbiter

	wg sync.WaitGroup

	// logf, if non-nil, receives a line per LoaderTask started and
	// stopped. It must be supplied at construction time (see
	// NewPipeline's logf parameter): LoaderTask goroutines start
	// running immediately, so setting it on the Pipeline value after
	// construction would race with their reads of it.
	logf func(format string, args ...interface{})
}

// NewPipeline constructs a Pipeline. fs, registry, bucketing,
// pathDomain, resolver and session configure the PartitionLoader
// shared by every LoaderTask; cfg controls the worker pool size and
// recursive directory walking. logf may be nil to discard log lines.
func NewPipeline(cfg Config, session Session, src PartitionSource, fs FileSystem, registry InputFormatRegistry, bucketing *BucketHandle, pathDomain *PathDomain, resolver TargetFileSystemResolver, sink SplitSink, logf func(format string, args ...interface{})) *Pipeline {
	p := &Pipeline{
		id:    uuid.New(),
		queue: NewPartitionQueue(src),
		deque: NewFileIteratorDeque(),
		sink:  sink,
		logf:  logf,
	}
	p.arb = NewTerminationArbiter(&p.rw, p.queue, p.deque, p.sink)

	loader := &PartitionLoader{
		FS:             fs,
		Registry:       registry,
		Bucketing:      bucketing,
		PathDomain:     pathDomain,
		Session:        session,
		Recursive:      cfg.RecursiveDirWalkerEnabled,
		TargetResolver: resolver,
	}

	n := cfg.concurrency()
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		task := NewLoaderTask(&p.rw, p.queue, p.deque, p.sink, loader, p.arb)
		go func(i int) {
			defer p.wg.Done()
			p.log("loader task %d starting for pipeline %s", i, p.id)
			task.Run()
			p.log("loader task %d finished for pipeline %s", i, p.id)
		}(i)
	}
	return p
}

func (p *Pipeline) log(format string, args ...interface{}) {
	if p.logf != nil {
		p.logf(format, args...)
	}
}

// ID returns the UUID this pipeline run was tagged with, suitable for
// correlating log lines across its LoaderTask goroutines.
func (p *Pipeline) ID() uuid.UUID { return p.id }

// Wait blocks until every LoaderTask goroutine has observed the
// termination signal and returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
