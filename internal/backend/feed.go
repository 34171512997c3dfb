package backend

import "sync"

// Feed is an unbounded mailbox feeding one subscriber. Push never blocks, so
// a slow consumer cannot stall the writer that produced the change; the
// consumer sees every change in publish order until Close.
type Feed[T any] struct {
	out  chan T
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []T
}

func NewFeed[T any]() *Feed[T] {
	f := &Feed[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go f.pump()
	return f
}

// C returns the delivery channel. It is closed after Close.
func (f *Feed[T]) C() <-chan T {
	return f.out
}

// Push enqueues v. It reports false once the feed is closed.
func (f *Feed[T]) Push(v T) bool {
	select {
	case <-f.done:
		return false
	default:
	}

	f.mu.Lock()
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops delivery and closes C. Safe to call more than once.
func (f *Feed[T]) Close() {
	f.once.Do(func() { close(f.done) })
}

// Done is closed when the feed is closed.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Feed[T]) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		v := f.queue[0]
		var zero T
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- v:
		case <-f.done:
			return
		}
	}
}
