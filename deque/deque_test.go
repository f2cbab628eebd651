package deque

import (
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/Meander-Cloud/go-netmsg/message"
)

func TestPushPopBack(t *testing.T) {
	cv.Convey("pushing and popping at the back behaves like a stack", t, func() {
		d := New[int]()

		cv.So(d.Empty(), cv.ShouldBeTrue)

		d.PushBack(1)
		d.PushBack(2)

		front, found := d.Front()
		cv.So(found, cv.ShouldBeTrue)
		cv.So(front, cv.ShouldEqual, 1)

		back, found := d.Back()
		cv.So(found, cv.ShouldBeTrue)
		cv.So(back, cv.ShouldEqual, 2)

		v, found := d.PopBack()
		cv.So(found, cv.ShouldBeTrue)
		cv.So(v, cv.ShouldEqual, 2)

		v, found = d.PopBack()
		cv.So(found, cv.ShouldBeTrue)
		cv.So(v, cv.ShouldEqual, 1)

		d.PushBack(3)
		d.PushBack(3)
		cv.So(d.Size(), cv.ShouldEqual, 2)

		d.Clear()
		cv.So(d.Size(), cv.ShouldEqual, 0)

		_, found = d.PopBack()
		cv.So(found, cv.ShouldBeFalse)
	})
}

func TestFifoOrder(t *testing.T) {
	cv.Convey("push back and pop front preserves input order; size tracks pushes minus pops", t, func() {
		d := New[int]()

		const n = 100
		for i := 0; i < n; i++ {
			d.PushBack(i)
		}
		cv.So(d.Size(), cv.ShouldEqual, n)

		for i := 0; i < n; i++ {
			v, found := d.PopFront()
			cv.So(found, cv.ShouldBeTrue)
			cv.So(v, cv.ShouldEqual, i)
		}
		cv.So(d.Size(), cv.ShouldEqual, 0)
	})
}

func TestPushFront(t *testing.T) {
	cv.Convey("push front prepends", t, func() {
		d := New[int]()

		d.PushFront(1)
		d.PushBack(2)
		d.PushFront(0)

		for i := 0; i < 3; i++ {
			v, found := d.PopFront()
			cv.So(found, cv.ShouldBeTrue)
			cv.So(v, cv.ShouldEqual, i)
		}
	})
}

func TestConcurrentProducersConsumers(t *testing.T) {
	cv.Convey("the multiset of popped values equals the multiset of pushed values under contention", t, func() {
		d := New[int]()

		const producers = 8
		const consumers = 8
		const perProducer = 1000
		const total = producers * perProducer

		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(base int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					d.PushBack(base + i)
				}
			}(p * perProducer)
		}

		var mutex sync.Mutex
		popped := make(map[int]int, total)
		var cwg sync.WaitGroup
		remaining := make(chan struct{}, total)
		for i := 0; i < total; i++ {
			remaining <- struct{}{}
		}

		for c := 0; c < consumers; c++ {
			cwg.Add(1)
			go func() {
				defer cwg.Done()
				for {
					select {
					case <-remaining:
					default:
						return
					}
					for {
						v, found := d.PopFront()
						if found {
							mutex.Lock()
							popped[v]++
							mutex.Unlock()
							break
						}
						time.Sleep(time.Microsecond)
					}
				}
			}()
		}

		wg.Wait()
		cwg.Wait()

		cv.So(d.Size(), cv.ShouldEqual, 0)
		cv.So(len(popped), cv.ShouldEqual, total)
		for _, count := range popped {
			cv.So(count, cv.ShouldEqual, 1)
		}
	})
}

func TestWaitBlocksUntilPush(t *testing.T) {
	cv.Convey("Wait returns only after a push occurred, never with an observably empty deque", t, func() {
		d := New[int]()

		done := make(chan struct{})
		go func() {
			d.Wait()
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("Wait returned before any push")
		case <-time.After(time.Millisecond * 100):
		}

		d.PushBack(7)

		select {
		case <-done:
		case <-time.After(time.Second * 5):
			t.Fatal("Wait did not return after push")
		}

		cv.So(d.Empty(), cv.ShouldBeFalse)

		v, found := d.PopFront()
		cv.So(found, cv.ShouldBeTrue)
		cv.So(v, cv.ShouldEqual, 7)
	})
}

func TestMessageRoundTripThroughDeque(t *testing.T) {
	cv.Convey("a message holding two doubles rides the deque and pops in reverse", t, func() {
		d := New[message.Message[uint32]]()

		msg := message.New[uint32](0)
		message.Push(&msg, float64(1.0))
		message.Push(&msg, float64(2.0))
		d.PushBack(msg)

		got, found := d.PopFront()
		cv.So(found, cv.ShouldBeTrue)
		cv.So(got.Size(), cv.ShouldEqual, 8+16)

		var a, b float64
		message.Pop(&got, &b)
		message.Pop(&got, &a)
		cv.So(b, cv.ShouldEqual, 2.0)
		cv.So(a, cv.ShouldEqual, 1.0)
	})
}

func TestWaitWakesAllEventually(t *testing.T) {
	cv.Convey("each push wakes a waiter", t, func() {
		d := New[int]()

		const waiters = 4
		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Wait()
			}()
		}

		for i := 0; i < waiters; i++ {
			d.PushBack(i)
		}

		waited := make(chan struct{})
		go func() {
			wg.Wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-time.After(time.Second * 5):
			t.Fatal("waiters did not all wake")
		}
	})
}
