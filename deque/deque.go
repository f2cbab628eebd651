package deque

import (
	"sync"

	"github.com/emirpasic/gods/v2/lists/doublylinkedlist"
)

// Deque is a mutex guarded double-ended queue with a blocking wait
// primitive. It hands messages from I/O goroutines to the application
// goroutine: producers push, the consumer calls Wait then drains.
//
// All operations are linearizable under the internal mutex. Not copyable.
type Deque[V any] struct {
	mutex sync.Mutex
	cond  *sync.Cond
	list  *doublylinkedlist.List[V]
}

func New[V any]() *Deque[V] {
	d := &Deque[V]{
		list: doublylinkedlist.New[V](),
	}
	d.cond = sync.NewCond(&d.mutex)
	return d
}

func (d *Deque[V]) Empty() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.list.Empty()
}

func (d *Deque[V]) Size() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.list.Size()
}

func (d *Deque[V]) Clear() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.list.Clear()
}

// Front returns the first element without removing it.
func (d *Deque[V]) Front() (V, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.list.Get(0)
}

// Back returns the last element without removing it.
func (d *Deque[V]) Back() (V, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.list.Get(d.list.Size() - 1)
}

// PushBack appends value and wakes one waiter.
func (d *Deque[V]) PushBack(value V) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.list.Append(value)
	d.cond.Signal()
}

// PushFront prepends value and wakes one waiter.
func (d *Deque[V]) PushFront(value V) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.list.Prepend(value)
	d.cond.Signal()
}

func (d *Deque[V]) PopFront() (V, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	value, found := d.list.Get(0)
	if !found {
		return value, false
	}
	d.list.Remove(0)
	return value, true
}

func (d *Deque[V]) PopBack() (V, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	index := d.list.Size() - 1
	value, found := d.list.Get(index)
	if !found {
		return value, false
	}
	d.list.Remove(index)
	return value, true
}

// Wait blocks the caller until the deque is non-empty. The emptiness check
// reruns under the lock after every wakeup, so spurious wakeups are safe.
func (d *Deque[V]) Wait() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for d.list.Empty() {
		d.cond.Wait()
	}
}
