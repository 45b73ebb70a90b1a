package appbridge

import "sync"

// serialQueue runs jobs one at a time in push order. Push never blocks, so
// the reader keeps draining the transport while a handler waits on a call.
type serialQueue struct {
	mu     sync.Mutex
	jobs   []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSerialQueue() *serialQueue {
	return &serialQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *serialQueue) push(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *serialQueue) run() {
	for {
		q.mu.Lock()
		jobs := q.jobs
		q.jobs = nil
		q.mu.Unlock()

		for _, job := range jobs {
			select {
			case <-q.done:
				return
			default:
			}
			job()
		}

		select {
		case <-q.signal:
		case <-q.done:
			return
		}
	}
}

// close stops the worker. Jobs not yet started are dropped.
func (q *serialQueue) close() {
	q.once.Do(func() { close(q.done) })
}
