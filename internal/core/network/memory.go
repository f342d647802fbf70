package network

import (
	"sync"
	"sync/atomic"
)

const defaultTopicBuffer = 64

// MemoryPubSub connects hub nodes living in one process. Used for tests and
// single-binary deployments.
type MemoryPubSub struct {
	mu      sync.RWMutex
	nextID  int
	buffer  int
	closed  bool
	subs    map[string]map[int]chan Message
	dropped atomic.Int64
}

func NewMemoryPubSub() *MemoryPubSub {
	return NewMemoryPubSubSize(defaultTopicBuffer)
}

// NewMemoryPubSubSize sets the per-subscriber buffer.
func NewMemoryPubSubSize(buffer int) *MemoryPubSub {
	if buffer < 1 {
		buffer = defaultTopicBuffer
	}
	return &MemoryPubSub{buffer: buffer, subs: make(map[string]map[int]chan Message)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrPubSubClosed
	}
	for _, ch := range m.subs[topic] {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrPubSubClosed
	}
	byID, ok := m.subs[topic]
	if !ok {
		byID = make(map[int]chan Message)
		m.subs[topic] = byID
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, m.buffer)
	byID[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() { m.unsubscribe(topic, id) })
	}
	return ch, cancel, nil
}

func (m *MemoryPubSub) unsubscribe(topic string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.subs[topic]
	if !ok {
		return
	}
	if ch, exists := byID[id]; exists {
		delete(byID, id)
		close(ch)
	}
	if len(byID) == 0 {
		delete(m.subs, topic)
	}
}

// Dropped counts messages discarded because a subscriber buffer was full.
func (m *MemoryPubSub) Dropped() int64 {
	return m.dropped.Load()
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, byID := range m.subs {
		for _, ch := range byID {
			close(ch)
		}
		delete(m.subs, topic)
	}
	return nil
}
