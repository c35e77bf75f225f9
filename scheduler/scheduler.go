// Package scheduler runs recurring sends against connections. One worker
// goroutine serves every connection, so scheduled sends never run
// concurrently with each other. Each connection has at most one task.
package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/go-tcpclient/logger"
)

var (
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("scheduler closed")
	// ErrTargetNotFound is returned for a one-shot send whose id does not
	// resolve to a target.
	ErrTargetNotFound = errors.New("send target not found")
)

// Target is anything a payload can be written to.
type Target interface {
	Send(payload []byte) error
}

// ResolveFunc returns the current target for id. It is called at every
// firing so a task always reaches whatever is registered under id.
type ResolveFunc func(id uint32) (Target, bool)

type task struct {
	id       uint32
	payload  []byte
	interval time.Duration
	next     time.Time
	seq      uint64
	index    int
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].seq < q[j].seq
	}
	return q[i].next.Before(q[j].next)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler fires periodic sends with fixed-delay semantics: the next firing
// of a task is planned one interval after the previous send returned.
type Scheduler struct {
	log     logger.Logger
	resolve ResolveFunc

	mu     sync.Mutex
	tasks  map[uint32]*task
	queue  taskQueue
	firing map[uint32]chan struct{}
	seq    uint64
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler and starts its worker.
//
// Parameters:
//   - resolve: Lookup of the send target by connection id
//   - l: Logger; a nop logger when nil
//
// Returns:
//   - A running *Scheduler; call Close to stop it
func New(resolve ResolveFunc, l logger.Logger) *Scheduler {
	if l == nil {
		l = logger.NewNopLogger()
	}

	s := &Scheduler{
		log:     l.With(logger.F("component", "scheduler")),
		resolve: resolve,
		tasks:   make(map[uint32]*task),
		firing:  make(map[uint32]chan struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go s.run()

	return s
}

// Schedule starts sending payload to id every interval, first send
// immediately. An existing task for id is replaced. A zero interval performs
// one synchronous send instead and leaves any existing task untouched.
//
// Parameters:
//   - id: Connection id the sends target
//   - payload: Bytes to send; copied
//   - interval: Delay between the end of one send and the start of the next
//
// Returns:
//   - For interval 0, the send's error, or ErrTargetNotFound
//   - ErrClosed after Close
func (s *Scheduler) Schedule(id uint32, payload []byte, interval time.Duration) error {
	if interval <= 0 {
		if s.isClosed() {
			return ErrClosed
		}

		target, ok := s.resolve(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrTargetNotFound, id)
		}

		return target.Send(payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if old, ok := s.tasks[id]; ok {
		s.removeLocked(old)
		s.log.Debug("periodic send replaced", logger.F("connection_id", id))
	}

	s.seq++
	t := &task{
		id:       id,
		payload:  append([]byte(nil), payload...),
		interval: interval,
		next:     time.Now(),
		seq:      s.seq,
		index:    -1,
	}
	s.tasks[id] = t
	heap.Push(&s.queue, t)
	s.signal()

	s.log.Info("periodic send scheduled", logger.F("connection_id", id), logger.F("interval", interval.String()))

	return nil
}

// Cancel stops the task for id. When it returns no further send for id
// happens; an in-flight send is waited for. Unknown ids are ignored.
// Must not be called from a Target's Send.
func (s *Scheduler) Cancel(id uint32) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		s.removeLocked(t)
	}
	inflight := s.firing[id]
	s.mu.Unlock()

	if ok {
		s.log.Info("periodic send canceled", logger.F("connection_id", id))
	}

	if inflight != nil {
		<-inflight
	}
}

// Active reports whether a periodic task exists for id.
func (s *Scheduler) Active(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.tasks[id]
	return ok
}

// Len returns the number of periodic tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// Close discards every task and stops the worker, waiting for an in-flight
// send to finish. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.tasks = make(map[uint32]*task)
	s.queue = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	s.log.Info("scheduler stopped")
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Scheduler) removeLocked(t *task) {
	delete(s.tasks, t.id)
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = -1
		var due *task
		if len(s.queue) > 0 {
			head := s.queue[0]
			if d := time.Until(head.next); d > 0 {
				wait = d
			} else {
				due = heap.Pop(&s.queue).(*task)
				done := make(chan struct{})
				s.firing[due.id] = done
			}
		}
		s.mu.Unlock()

		if due != nil {
			s.fire(due)
			continue
		}

		var tick <-chan time.Time
		if wait >= 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			tick = timer.C
		}

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-tick:
		}
	}
}

// fire sends one payload for t and requeues it unless it was canceled or
// replaced meanwhile.
func (s *Scheduler) fire(t *task) {
	log := s.log.With(logger.F("connection_id", t.id))

	target, ok := s.resolve(t.id)
	if !ok {
		log.Warn("periodic send target gone, dropping task")
	} else if err := target.Send(t.payload); err != nil {
		log.Warn("periodic send failed", logger.Err(err))
	} else {
		log.Debug("periodic send done", logger.F("bytes", len(t.payload)))
	}

	s.mu.Lock()
	done := s.firing[t.id]
	delete(s.firing, t.id)
	if ok && !s.closed && s.tasks[t.id] == t {
		t.next = time.Now().Add(t.interval)
		heap.Push(&s.queue, t)
	} else if s.tasks[t.id] == t {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()

	close(done)
}
