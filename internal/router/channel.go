package router

import "sync"

// Channel is the subscriber set of one channel name. Subscribers are kept in
// subscription order; adding one twice is a no-op.
type Channel struct {
	name string

	mu   sync.RWMutex
	subs []Subscriber
}

func NewChannel(name string) *Channel {
	return &Channel{name: name}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// AddSubscriber reports whether sub was added; false means it was already
// present.
func (c *Channel) AddSubscriber(sub Subscriber) (bool, error) {
	if err := checkSubscriber(sub); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLocked(sub) >= 0 {
		return false, nil
	}
	c.subs = append(c.subs, sub)
	return true, nil
}

// RemoveSubscriber reports whether sub was present.
func (c *Channel) RemoveSubscriber(sub Subscriber) bool {
	if checkSubscriber(sub) != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(sub)
	if i < 0 {
		return false
	}
	c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
	return true
}

func (c *Channel) Has(sub Subscriber) bool {
	if checkSubscriber(sub) != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexLocked(sub) >= 0
}

// Subscribers returns a snapshot in subscription order.
func (c *Channel) Subscribers() []Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Subscriber(nil), c.subs...)
}

// Notify delivers one event to every subscriber present when the call
// started and returns how many were notified. Subscribers may add or remove
// themselves (or others) from inside Notify.
func (c *Channel) Notify(data, sender any, r Range, origin Origin) int {
	subs := c.Subscribers()
	ev := Event{Data: data, SentBy: origin, Sender: sender, Range: r}
	for _, sub := range subs {
		sub.Notify(c.name, ev)
	}
	return len(subs)
}

func (c *Channel) indexLocked(sub Subscriber) int {
	for i, s := range c.subs {
		if s == sub {
			return i
		}
	}
	return -1
}
