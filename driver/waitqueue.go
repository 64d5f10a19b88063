package driver

import "sync"

// waiter is one open file's registration on the device wait queue.
type waiter struct {
	c chan struct{}

	mu  sync.Mutex
	efd int
}

func newWaiter() *waiter {
	return &waiter{c: make(chan struct{}, 1), efd: -1}
}

func (w *waiter) wake() {
	select {
	case w.c <- struct{}{}:
	default:
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.efd >= 0 {
		signalEventFD(w.efd)
	}
}

type waitQueue struct {
	mu sync.Mutex
	w  map[*waiter]struct{}
}

func (q *waitQueue) add(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.w == nil {
		q.w = make(map[*waiter]struct{})
	}

	q.w[w] = struct{}{}
}

func (q *waitQueue) remove(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.w, w)
}

func (q *waitQueue) wakeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for w := range q.w {
		w.wake()
	}
}

func (q *waitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.w)
}
