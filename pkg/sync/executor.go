package sync

import (
	"sync"
)

// Executor runs submitted tasks one at a time, in submission order, on a
// single goroutine. Submitting never blocks.
type Executor struct {
	mx      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	doneChan chan struct{}
}

func NewExecutor() *Executor {
	e := &Executor{
		doneChan: make(chan struct{}),
	}

	e.cond = sync.NewCond(&e.mx)

	go e.loop()

	return e
}

// Go queues task. It reports false if the executor is already stopped, in
// which case task never runs.
func (e *Executor) Go(task func()) bool {
	e.mx.Lock()
	defer e.mx.Unlock()

	if e.stopped {
		return false
	}

	e.queue = append(e.queue, task)
	e.cond.Signal()

	return true
}

// Do queues task and waits until it has run. It reports false if the executor
// was stopped before task could run. Must not be called from a task.
func (e *Executor) Do(task func()) bool {
	ran := make(chan struct{})

	if !e.Go(func() {
		task()
		close(ran)
	}) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-e.doneChan:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop discards queued tasks and waits for the running one to return. No task
// runs after Stop returns. Must not be called from a task.
func (e *Executor) Stop() {
	e.mx.Lock()

	if !e.stopped {
		e.stopped = true
		e.queue = nil
		e.cond.Broadcast()
	}

	e.mx.Unlock()

	<-e.doneChan
}

func (e *Executor) Done() <-chan struct{} {
	return e.doneChan
}

func (e *Executor) loop() {
	defer close(e.doneChan)

	for {
		e.mx.Lock()

		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}

		if e.stopped {
			e.mx.Unlock()

			return
		}

		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]

		e.mx.Unlock()

		task()
	}
}
