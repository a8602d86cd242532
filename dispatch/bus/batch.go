package bus

import (
	"context"
	"time"
)

// batch is the pending queue for one bulk event type. Events accumulate
// until the size threshold is reached or the flush timer fires. All fields
// are guarded by the Manager mutex.
type batch struct {
	events []Event
	timer  *time.Timer
}

// enqueue appends a bulk event, flushing when the batch fills and arming the
// flush timer on the first queued event.
func (m *Manager) enqueue(event Event) {
	m.stats.batched.Add(1)

	m.mu.Lock()

	b, exists := m.batches[event.Type]
	if !exists {
		b = &batch{}
		m.batches[event.Type] = b
	}

	b.events = append(b.events, event)
	full := len(b.events) >= m.config.BatchSize

	if !full && b.timer == nil {
		b.timer = time.AfterFunc(m.config.BatchTimeout, func() {
			m.flush(b)
		})
	}

	m.mu.Unlock()

	if full {
		m.flush(b)
	}
}

// flush drains the batch and processes its events in arrival order on a
// background goroutine.
func (m *Manager) flush(b *batch) {
	m.mu.Lock()

	events := b.events
	b.events = nil

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	m.mu.Unlock()

	if len(events) == 0 {
		return
	}

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		for _, event := range events {
			if err := m.process(context.Background(), event); err != nil {
				m.logger.Warnf("batched %s event failed: %v", event.Type, err)
			}
		}
	}()
}
