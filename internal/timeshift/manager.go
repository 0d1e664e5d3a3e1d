// Package timeshift implements the process-wide Timeshift Manager: one
// time-ordered packet buffer per source tag, with per-subscriber playback
// cursors that release packets at their intended play time.
package timeshift

import (
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/screamrouter/internal/audio"
	"github.com/tphakala/screamrouter/internal/errors"
	"github.com/tphakala/screamrouter/internal/logging"
	"github.com/tphakala/screamrouter/internal/queue"
)

// DefaultRetention is global_timeshift_buffer_duration_sec's default.
const DefaultRetention = 300 * time.Second

// tickInterval is the Manager's periodic wake period.
const tickInterval = time.Millisecond

// subscriberQueueCapacity bounds each subscriber's input queue; a full
// queue drops its oldest entry rather than blocking the release tick.
const subscriberQueueCapacity = 2048

type subscriber struct {
	instanceID   string
	sourceTag    string
	queue        *queue.Queue[audio.TaggedAudioPacket]
	backshift    time.Duration
	delay        time.Duration
	deliveredIdx int
}

type tagBuffer struct {
	mu          sync.Mutex
	packets     []audio.TaggedAudioPacket
	subscribers map[string]*subscriber
}

// Manager is the process-wide Timeshift Manager singleton owned by the
// Audio Manager. It is safe for concurrent use by receivers (AddPacket)
// and source processors (Subscribe/Unsubscribe/SetBackshift/SetDelay).
type Manager struct {
	retention time.Duration

	mu          sync.RWMutex
	tags        map[string]*tagBuffer
	instanceTag map[string]string

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewManager builds a Manager with the given retention window. A zero
// retention falls back to DefaultRetention.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		retention:   retention,
		tags:        make(map[string]*tagBuffer),
		instanceTag: make(map[string]string),
	}
}

// Start launches the Manager's release tick loop in its own goroutine.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.run()
}

// Stop signals the tick loop to exit and waits for it to finish.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.stopped
}

func (m *Manager) run() {
	defer close(m.stopped)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Manager) tagBufferFor(tag string, create bool) *tagBuffer {
	m.mu.RLock()
	tb, ok := m.tags[tag]
	m.mu.RUnlock()
	if ok || !create {
		return tb
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tb, ok = m.tags[tag]; ok {
		return tb
	}
	tb = &tagBuffer{subscribers: make(map[string]*subscriber)}
	m.tags[tag] = tb
	return tb
}

// Subscribe registers instanceID's interest in sourceTag, creating a
// per-tag buffer on first use.
func (m *Manager) Subscribe(instanceID, sourceTag string, q *queue.Queue[audio.TaggedAudioPacket], initialBackshiftSec float64, initialDelayMS int) error {
	if q == nil {
		return errors.New(fmt.Errorf("timeshift: nil input queue")).
			Category(errors.CategoryValidation).Component("timeshift").Build()
	}

	tb := m.tagBufferFor(sourceTag, true)

	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.subscribers[instanceID] = &subscriber{
		instanceID: instanceID,
		sourceTag:  sourceTag,
		queue:      q,
		backshift:  durationFromSeconds(initialBackshiftSec),
		delay:      time.Duration(initialDelayMS) * time.Millisecond,
	}

	m.mu.Lock()
	m.instanceTag[instanceID] = sourceTag
	m.mu.Unlock()
	return nil
}

// Unsubscribe removes instanceID's cursor from its source tag's buffer.
func (m *Manager) Unsubscribe(instanceID string) {
	m.mu.Lock()
	tag, ok := m.instanceTag[instanceID]
	delete(m.instanceTag, instanceID)
	m.mu.Unlock()
	if !ok {
		return
	}
	tb := m.tagBufferFor(tag, false)
	if tb == nil {
		return
	}
	tb.mu.Lock()
	delete(tb.subscribers, instanceID)
	tb.mu.Unlock()
}

// SetBackshift updates instanceID's backshift. Per spec, a backward jump
// replays packets still in the retention window: the subscriber's cursor
// is reset to the oldest retained packet on every change, so the next
// tick re-evaluates every buffered packet against the new backshift.
func (m *Manager) SetBackshift(instanceID string, sec float64) error {
	return m.withSubscriber(instanceID, func(sub *subscriber) {
		sub.backshift = durationFromSeconds(sec)
		sub.deliveredIdx = 0
	})
}

// SetDelay updates instanceID's fixed delay in milliseconds.
func (m *Manager) SetDelay(instanceID string, ms int) error {
	return m.withSubscriber(instanceID, func(sub *subscriber) {
		sub.delay = time.Duration(ms) * time.Millisecond
		sub.deliveredIdx = 0
	})
}

func (m *Manager) withSubscriber(instanceID string, fn func(*subscriber)) error {
	m.mu.RLock()
	tag, ok := m.instanceTag[instanceID]
	m.mu.RUnlock()
	if !ok {
		return errors.New(fmt.Errorf("timeshift: unknown instance %q", instanceID)).
			Category(errors.CategoryNotFound).Component("timeshift").Build()
	}
	tb := m.tagBufferFor(tag, false)
	if tb == nil {
		return errors.New(fmt.Errorf("timeshift: unknown tag %q for instance %q", tag, instanceID)).
			Category(errors.CategoryNotFound).Component("timeshift").Build()
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	sub, ok := tb.subscribers[instanceID]
	if !ok {
		return errors.New(fmt.Errorf("timeshift: unknown instance %q", instanceID)).
			Category(errors.CategoryNotFound).Component("timeshift").Build()
	}
	fn(sub)
	return nil
}

// AddPacket appends a freshly received packet to its source tag's buffer,
// in received-time order (receivers hand packets to AddPacket in the order
// they arrive, so this is ordinarily an append).
func (m *Manager) AddPacket(p audio.TaggedAudioPacket) error {
	if !p.Valid() {
		return errors.New(fmt.Errorf("timeshift: malformed packet for tag %q", p.SourceTag)).
			Category(errors.CategoryProtocol).Component("timeshift").TagContext(p.SourceTag).Build()
	}
	tb := m.tagBufferFor(p.SourceTag, true)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	idx := len(tb.packets)
	for idx > 0 && tb.packets[idx-1].ReceivedTime.After(p.ReceivedTime) {
		idx--
	}
	tb.packets = append(tb.packets, audio.TaggedAudioPacket{})
	copy(tb.packets[idx+1:], tb.packets[idx:])
	tb.packets[idx] = p
	if idx < len(tb.packets)-1 {
		// An out-of-order insert shifted later packets; any subscriber that
		// had already walked past the insertion point must re-walk from it.
		for _, sub := range tb.subscribers {
			if sub.deliveredIdx > idx {
				sub.deliveredIdx = idx
			}
		}
	}
	return nil
}

func (m *Manager) tick(now time.Time) {
	m.mu.RLock()
	tags := make([]*tagBuffer, 0, len(m.tags))
	for _, tb := range m.tags {
		tags = append(tags, tb)
	}
	m.mu.RUnlock()

	for _, tb := range tags {
		tb.release(now, m.retention)
	}
}

func (tb *tagBuffer) release(now time.Time, retention time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for _, sub := range tb.subscribers {
		idx := sub.deliveredIdx
		for idx < len(tb.packets) {
			p := tb.packets[idx]
			releaseAt := p.ReceivedTime.Add(sub.backshift).Add(sub.delay)
			if releaseAt.After(now) {
				break
			}
			if dropped := sub.queue.Push(p); dropped {
				logging.Warn("timeshift: subscriber queue full, dropped oldest packet",
					"instance_id", sub.instanceID, "source_tag", sub.sourceTag)
			}
			idx++
		}
		sub.deliveredIdx = idx
	}

	minDelivered := len(tb.packets)
	for _, sub := range tb.subscribers {
		if sub.deliveredIdx < minDelivered {
			minDelivered = sub.deliveredIdx
		}
	}

	staleCount := 0
	cutoff := now.Add(-retention)
	for staleCount < len(tb.packets) && tb.packets[staleCount].ReceivedTime.Before(cutoff) {
		staleCount++
	}

	trim := minDelivered
	if staleCount > trim {
		trim = staleCount
	}
	if trim > 0 {
		tb.packets = append([]audio.TaggedAudioPacket(nil), tb.packets[trim:]...)
		for _, sub := range tb.subscribers {
			sub.deliveredIdx -= trim
			if sub.deliveredIdx < 0 {
				sub.deliveredIdx = 0
			}
		}
	}
}

func durationFromSeconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// NewSubscriberQueue builds the bounded input queue a source processor
// passes to Subscribe.
func NewSubscriberQueue() *queue.Queue[audio.TaggedAudioPacket] {
	return queue.New[audio.TaggedAudioPacket](subscriberQueueCapacity)
}
