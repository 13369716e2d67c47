package sdk

import (
	"errors"
	"sync"
)

const defaultQueueSize = 256

var errDispatcherClosed = errors.New("event dispatcher closed")

// dispatcher runs event handlers one at a time on a dedicated goroutine.
//
// Wallet messages arrive on gateway read goroutines; queueing handler calls
// keeps user code off those goroutines and preserves delivery order.
type dispatcher struct {
	q       chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &dispatcher{
		q:       make(chan func(), queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case fn := <-d.q:
			fn()

		case <-d.quit:
			// Run what was queued before close.
			for {
				select {
				case fn := <-d.q:
					fn()
				default:
					return
				}
			}
		}
	}
}

// do queues fn. It blocks while the queue is full.
func (d *dispatcher) do(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-d.quit:
		return errDispatcherClosed
	default:
	}
	select {
	case d.q <- fn:
		return nil
	case <-d.quit:
		return errDispatcherClosed
	}
}

// flush blocks until every previously queued function has run.
func (d *dispatcher) flush() {
	done := make(chan struct{})
	if err := d.do(func() { close(done) }); err != nil {
		return
	}
	select {
	case <-done:
	case <-d.stopped:
	}
}

// close stops the goroutine once the queue is drained. It does not wait, so
// a handler may call it.
func (d *dispatcher) close() {
	d.once.Do(func() { close(d.quit) })
}
