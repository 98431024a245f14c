package subtask

import (
	"container/list"
	"fmt"
)

// Allocator hands out subtask indices. It is not safe for concurrent use;
// the Server serializes access to it.
//
// Abandoned work (claimed by a worker that died without reporting) is
// recovered only once the waiting queue has drained: the queue is then
// refilled with every index and lazily filtered on dequeue.
type Allocator struct {
	waiting    *list.List
	processing []int
	completed  []bool
}

// NewAllocator builds an allocator for n subtasks. Indices in done are
// treated as already complete.
func NewAllocator(n int, done map[int]struct{}) *Allocator {
	a := &Allocator{
		waiting:   list.New(),
		completed: make([]bool, n),
	}
	for i := range done {
		if i >= 0 && i < n {
			a.completed[i] = true
		}
	}
	for i := 0; i < n; i++ {
		if !a.completed[i] {
			a.waiting.PushBack(i)
		}
	}
	return a
}

// IsEmpty reports whether the task has no subtasks at all. NextSubtask must
// not be called on an empty allocator.
func (a *Allocator) IsEmpty() bool {
	return len(a.completed) == 0
}

func (a *Allocator) NextSubtask() Response {
	a.recoverOrphans()

	if a.waiting.Len() == 0 {
		return Response{Status: NoMore, Index: -1}
	}

	for {
		i := a.waiting.Remove(a.waiting.Front()).(int)
		if !a.completed[i] && !a.isProcessing(i) {
			a.processing = append(a.processing, i)
			return Response{Status: OK, Index: i}
		}
		if a.waiting.Len() == 0 {
			// everything outstanding is claimed by a live worker
			return Response{Status: TryAgain, Index: -1}
		}
	}
}

// MarkComplete records that subtask i needs no further work.
func (a *Allocator) MarkComplete(i int) bool {
	found := a.release(i)
	if i >= 0 && i < len(a.completed) {
		a.completed[i] = true
	}
	return found
}

// MarkLocked records that subtask i is owned by another job.
func (a *Allocator) MarkLocked(i int) bool {
	return a.release(i)
}

// Waiting is the current length of the waiting queue.
func (a *Allocator) Waiting() int {
	return a.waiting.Len()
}

func (a *Allocator) String() string {
	var w []int
	for e := a.waiting.Front(); e != nil; e = e.Next() {
		w = append(w, e.Value.(int))
	}
	return fmt.Sprintf("alloc:[waiting=%v, processing=%v]", w, a.processing)
}

func (a *Allocator) release(i int) bool {
	for j, p := range a.processing {
		if p == i {
			a.processing = append(a.processing[:j], a.processing[j+1:]...)
			log.Debugw("released subtask", "index", i)
			return true
		}
	}
	log.Warnw("subtask not in processing list", "index", i)
	return false
}

func (a *Allocator) isProcessing(i int) bool {
	for _, p := range a.processing {
		if p == i {
			return true
		}
	}
	return false
}

func (a *Allocator) allComplete() bool {
	for _, c := range a.completed {
		if !c {
			return false
		}
	}
	return true
}

// recoverOrphans refills the waiting queue once it has drained while
// incomplete subtasks remain, leaving out indices currently claimed here.
func (a *Allocator) recoverOrphans() {
	if a.waiting.Len() > 0 || a.allComplete() {
		return
	}
	for i := range a.completed {
		if !a.isProcessing(i) {
			a.waiting.PushBack(i)
		}
	}
	if a.waiting.Len() > 0 {
		log.Infow("rescanning for orphaned subtasks", "alloc", a.String())
	}
}
