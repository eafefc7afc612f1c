package ble

import "sync"

// EventQueue runs posted callbacks one at a time, in order, on its own
// goroutine. Stack implementations use it to deliver events asynchronously.
type EventQueue struct {
	ch   chan func()
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewEventQueue starts a queue that buffers up to size callbacks.
func NewEventQueue(size int) *EventQueue {
	q := &EventQueue{
		ch:   make(chan func(), size),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *EventQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case fn := <-q.ch:
			fn()
		case <-q.done:
			return
		}
	}
}

// Post queues fn. It blocks while the buffer is full and reports false once
// the queue is closed.
func (q *EventQueue) Post(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- fn:
		return true
	case <-q.done:
		return false
	}
}

// Close stops the queue. Callbacks still buffered are dropped.
func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}
