package arbiter

import "time"

// event carries one dispatched functor plus its enqueue time, recycled
// through the arbiter's pool.
type event struct {
	f  func()
	t0 time.Time
}

func newEvent() *event {
	return &event{
		f:  nil,
		t0: time.Time{},
	}
}

// scheduler goroutine, or the dispatching goroutine when Dispatch fails
func (e *event) reset() {
	e.f = nil
	e.t0 = time.Time{}
}
