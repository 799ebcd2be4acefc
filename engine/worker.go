package engine

import "sync"

// worker is the master's single logical consumer: a FIFO event queue drained
// by exactly one goroutine, giving every event handler a run-to-completion
// guarantee without needing a mutex around PaymentMasterState. Grounded on
// the teacher's networkHandler select-loop shape (a channel of work items
// drained by one goroutine until a quit channel closes), simplified here
// since nothing the master does needs the teacher's parallel validation
// barrier: every event is handled serially by design.
type worker struct {
	events chan Event
	quit   chan struct{}
	wg     sync.WaitGroup
}

func newWorker(handle func(Event)) *worker {
	w := &worker{
		events: make(chan Event, 256),
		quit:   make(chan struct{}),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case evt := <-w.events:
				handle(evt)
			case <-w.quit:
				// Drain whatever is already queued before
				// exiting so in-flight self-posts (e.g. a
				// resolveRemoteFail's follow-up askForRoute)
				// are not silently dropped on shutdown.
				for {
					select {
					case evt := <-w.events:
						handle(evt)
					default:
						return
					}
				}
			}
		}
	}()

	return w
}

// post enqueues evt for processing on the worker goroutine. It never
// blocks the caller beyond the channel send itself; callers on the worker
// goroutine (self-posts) rely on the queue's buffer to avoid deadlocking
// against themselves.
func (w *worker) post(evt Event) {
	select {
	case w.events <- evt:
	case <-w.quit:
	}
}

// stop signals the worker to drain and exit, and blocks until it has.
func (w *worker) stop() {
	close(w.quit)
	w.wg.Wait()
}
