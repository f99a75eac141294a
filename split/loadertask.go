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
	"sync/atomic"
)

// TerminationArbiter delivers SplitSink.NoMoreSplits exactly once,
// the first time any LoaderTask observes both queues empty under the
// write lock.
//
// Every regulated operation (polling the PartitionQueue, polling or
// pushing the FileIteratorDeque, enqueueing to the SplitSink) is
// performed under rw's read lock; a multi-step sequence of such
// operations holds the read lock for its entirety so that no other
// goroutine's write-lock acquisition can observe a torn
// intermediate state. MaybeSignal takes the write lock only to
// perform its own "are both queues really empty" recheck, which is
// why it must never be called while the caller is already holding
// the read lock.
//
// sync.RWMutex is not reentrant, unlike the lock this type's
// ancestor assumed it had available, so the "check under write lock,
// then notify" sequence is split into two steps: the check-and-flip
// happens while the write lock is held, using a CAS on an
// atomic.Bool to guarantee NoMoreSplits fires at most once even if
// two goroutines win the write lock back to back, and the actual
// sink.NoMoreSplits() call happens after the write lock has been
// released.
type TerminationArbiter struct {
	rw       *sync.RWMutex
	queue    *PartitionQueue
	deque    *FileIteratorDeque
	sink     SplitSink
	signaled atomic.Bool
}

// NewTerminationArbiter builds an arbiter over the given queue, deque
// and sink, synchronized by rw.
func NewTerminationArbiter(rw *sync.RWMutex, queue *PartitionQueue, deque *FileIteratorDeque, sink SplitSink) *TerminationArbiter {
	return &TerminationArbiter{rw: rw, queue: queue, deque: deque, sink: sink}
}

// MaybeSignal fires sink.NoMoreSplits exactly once, the first time
// both the partition queue and the file iterator deque are observed
// empty under the write lock. The caller must not be holding the
// read lock when calling this.
func (a *TerminationArbiter) MaybeSignal() {
	if a.signaled.Load() {
		return
	}
	a.rw.Lock()
	shouldSignal := a.queue.Empty() && a.deque.Empty() && a.signaled.CompareAndSwap(false, true)
	a.rw.Unlock()

	if shouldSignal {
		a.sink.NoMoreSplits()
	}
}

// LoaderTask is one worker in a Pipeline's concurrency pool. It
// repeatedly pulls a partition or a file iterator, turns it into
// splits, enqueues them to the sink, and retries the termination
// check, until both the partition queue and the iterator deque are
// permanently empty.
type LoaderTask struct {
	rw     *sync.RWMutex
	queue  *PartitionQueue
	deque  *FileIteratorDeque
	sink   SplitSink
	loader *PartitionLoader
	arb    *TerminationArbiter
}

// NewLoaderTask builds a LoaderTask sharing queue, deque, sink and rw
// with its sibling tasks in the same Pipeline.
func NewLoaderTask(rw *sync.RWMutex, queue *PartitionQueue, deque *FileIteratorDeque, sink SplitSink, loader *PartitionLoader, arb *TerminationArbiter) *LoaderTask {
	return &LoaderTask{rw: rw, queue: queue, deque: deque, sink: sink, loader: loader, arb: arb}
}

// Run drives the task until the partition queue and file iterator
// deque are both drained for good. It returns once MaybeSignal has
// fired (from this task or a sibling) and there is nothing left for
// this task to do: the queues can never be refilled once drained, so
// there is no reason for a task to keep polling after that point.
func (t *LoaderTask) Run() {
	for {
		did, sig := t.step()
		if sig != nil && !sig.IsDone() {
			<-sig.Done()
		}
		if did {
			continue
		}
		t.arb.MaybeSignal()
		if t.arb.signaled.Load() {
			return
		}
	}
}

// step performs one unit of work and reports whether it did
// anything, plus a backpressure Signal to wait on (if any) before
// the next step. The read lock is held only for the duration of the
// regulated queue/deque/sink operations themselves; step returns
// before the caller waits on the returned Signal, so a parked task
// never holds the read lock while blocked.
func (t *LoaderTask) step() (bool, *Signal) {
	t.rw.RLock()
	defer t.rw.RUnlock()

	if it, ok := t.deque.PollFirst(); ok {
		return t.drainOne(it)
	}

	p, ok := t.queue.Poll()
	if !ok {
		return false, nil
	}

	splits, newIter, err := t.loader.LoadPartition(p)
	if err != nil {
		t.sink.Fail(err)
		return true, nil
	}
	var sig *Signal
	if len(splits) > 0 {
		sig = t.sink.AddSplits(splits)
	}
	if newIter != nil {
		t.deque.AddLast(newIter)
	}
	return true, sig
}

// drainOne pulls one file out of it, builds a split for it (or
// re-parks it if it still has more to give), and enqueues the
// result. Any sub-directories it discovered on its one listing are
// pushed to the deque's tail as fresh FileIterators, so sibling
// directories become independently pollable work for other
// LoaderTasks instead of being walked serially by this one.
func (t *LoaderTask) drainOne(it *FileIterator) (bool, *Signal) {
	has, err := it.HasNext()
	if err != nil {
		t.sink.Fail(err)
		return true, nil
	}
	for _, dir := range it.TakeSubdirs() {
		t.deque.AddLast(NewFileIterator(t.loader.FS, it.Partition(), dir, it.Recursive()))
	}
	if !has {
		return true, nil // iterator is exhausted; drop it
	}

	status := it.Next()

	// re-park before doing anything that could itself fail, so a
	// later error doesn't strand the rest of this iterator's files.
	stillHasMore, err := it.HasNext()
	if err != nil {
		t.sink.Fail(err)
		return true, nil
	}
	if stillHasMore {
		t.deque.AddFirst(it)
	}

	p := it.Partition()
	format, err := t.loader.Registry.Lookup(p.Storage.InputFormat)
	if err != nil {
		t.sink.Fail(err)
		return true, nil
	}
	blocks, err := t.loader.FS.BlockLocations(status.Path, status)
	if err != nil {
		t.sink.Fail(errorf(IO, "block locations for %s: %w", status.Path, err))
		return true, nil
	}
	split, err := CreateSplit(SplitParams{
		PartitionName:        p.Name,
		Path:                 status.Path,
		Start:                0,
		Length:               status.Size,
		FileSize:             status.Size,
		Schema:               p.Storage.Schema,
		PartitionKeys:        p.Values,
		Blocks:               blocks,
		Splittable:           format.Splittable(),
		Coercions:            p.Coercions,
		PathDomain:           t.loader.PathDomain,
		ForceLocalScheduling: t.loader.Session.ForceLocalScheduling,
	})
	if err != nil {
		t.sink.Fail(err)
		return true, nil
	}
	if split == nil {
		return true, nil
	}
	sig := t.sink.AddSplit(split)
	return true, sig
}
