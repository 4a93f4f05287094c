package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sawako/antipoke/internal/onebot"
)

const defaultQueueSize = 64

type Handler func(ev onebot.Event, meta CallbackMetadata)

type CallbackMetadata struct {
	QueueWait  time.Duration
	EnqueuedAt time.Time
}

// Dispatcher serializes event handling per group so pokes from one group are
// decided in arrival order, while separate groups proceed concurrently.
// Events are never merged: each poke must reach the counter individually.
type Dispatcher struct {
	ctx       context.Context
	handler   Handler
	queueSize int

	mu      sync.Mutex
	workers map[int64]*worker
}

type worker struct {
	queue chan queuedEvent
}

type queuedEvent struct {
	ev         onebot.Event
	enqueuedAt time.Time
}

func New(ctx context.Context, queueSize int, handler Handler) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if handler == nil {
		handler = func(onebot.Event, CallbackMetadata) {}
	}
	return &Dispatcher{
		ctx:       ctx,
		handler:   handler,
		queueSize: queueSize,
		workers:   map[int64]*worker{},
	}
}

// Enqueue queues the event for its group worker. When the queue is full the
// oldest queued event is dropped in favor of the new one; dropped reports
// whether that happened.
func (d *Dispatcher) Enqueue(ev onebot.Event) (dropped bool) {
	w := d.getOrCreateWorker(ev.GroupID)

	select {
	case <-d.ctx.Done():
		return false
	default:
	}

	item := queuedEvent{ev: ev, enqueuedAt: time.Now()}
	select {
	case w.queue <- item:
		return false
	default:
	}

	select {
	case <-w.queue:
		dropped = true
	default:
	}
	select {
	case w.queue <- item:
		return dropped
	default:
		return true
	}
}

func (d *Dispatcher) getOrCreateWorker(groupID int64) *worker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if w, ok := d.workers[groupID]; ok {
		return w
	}

	w := &worker{queue: make(chan queuedEvent, d.queueSize)}
	d.workers[groupID] = w
	go d.runWorker(w)
	return w
}

func (d *Dispatcher) runWorker(w *worker) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case item := <-w.queue:
			queueWait := time.Since(item.enqueuedAt)
			if queueWait < 0 {
				queueWait = 0
			}
			d.handler(item.ev, CallbackMetadata{
				QueueWait:  queueWait,
				EnqueuedAt: item.enqueuedAt,
			})
		}
	}
}
