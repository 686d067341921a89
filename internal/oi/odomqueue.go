package oi

import (
	"context"
	"sync"
	"time"
)

// OdometryFrame pairs a decoded snapshot with the time it was enqueued, so
// the consumer (and the watchdog below) can measure how far behind the
// producer it has fallen.
type OdometryFrame struct {
	Snapshot SensorSnapshot
	Enqueued time.Time
}

// odomQueue is the dedicated, unbounded queue feeding the odometry
// estimator. Unlike the broadcast Subscribe() channel, which drops frames
// once a subscriber's buffer fills, this queue never drops: it grows to
// absorb a slow consumer, and a watchdog (odomWatchdog) restarts the stream
// if that lag crosses the documented threshold instead of discarding data.
type odomQueue struct {
	mu     sync.Mutex
	items  []OdometryFrame
	notify chan struct{}
	closed bool
}

func newOdomQueue() *odomQueue {
	return &odomQueue{notify: make(chan struct{}, 1)}
}

func (q *odomQueue) push(s SensorSnapshot) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, OdometryFrame{Snapshot: s, Enqueued: time.Now()})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a frame is available, the queue is closed, or ctx is
// done.
func (q *odomQueue) pop(ctx context.Context) (OdometryFrame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return OdometryFrame{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return OdometryFrame{}, false
		}
	}
}

// oldestAge reports how long the oldest queued-but-unconsumed frame has
// been waiting, for the lag watchdog.
func (q *odomQueue) oldestAge() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return time.Since(q.items[0].Enqueued), true
}

func (q *odomQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *odomQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
