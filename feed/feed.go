package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/store"
)

type EventType string

const (
	Added   EventType = "added"
	Updated EventType = "updated"
)

// Event is a change of one message in a scope. The message is shared by all
// subscribers and must be treated as read-only.
type Event struct {
	Type    EventType      `json:"type"`
	Scope   scope.Key      `json:"scope"`
	Message *store.Message `json:"message"`
}

// Publisher broadcasts events to subscribers of the event scope, possibly on other nodes.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// MaxPending bounds the events queued for one subscription. A subscription falling further
// behind is cancelled; its reader has to subscribe again for a fresh snapshot.
const MaxPending = 1024

// ErrLagged is reported by `Subscription.Err` after the subscription overflowed.
var ErrLagged = errors.New("feed: subscription fell behind and was cancelled")

var subscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "leaguechat_feed_subscriptions",
	Help: "Number of open live feed subscriptions on this node.",
})

// Broker fans events out to local subscriptions, by scope.
// It implements `Publisher` for single node deployment.
type Broker struct {
	sync.RWMutex
	subs   map[scope.Key]map[uint64]*Subscription
	nextID uint64
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[scope.Key]map[uint64]*Subscription),
	}
}

// Subscribe opens a subscription to events of the scope published from now on.
func (b *Broker) Subscribe(key scope.Key) *Subscription {
	s := &Subscription{
		broker: b,
		key:    key,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		c:      make(chan *Event),
	}

	b.Lock()
	b.nextID++
	s.id = b.nextID
	v, ok := b.subs[key]
	if !ok {
		v = make(map[uint64]*Subscription)
		b.subs[key] = v
	}
	v[s.id] = s
	b.Unlock()

	subscriptionsGauge.Inc()
	go s.pump()
	glog.V(5).Infof("feed: subscribed %d to `%s`", s.id, key)
	return s
}

func (b *Broker) remove(s *Subscription) bool {
	b.Lock()
	defer b.Unlock()
	v, ok := b.subs[s.key]
	if !ok {
		return false
	}
	if _, ok := v[s.id]; !ok {
		return false
	}
	delete(v, s.id)
	if len(v) == 0 {
		delete(b.subs, s.key)
	}
	return true
}

// Publish implements `Publisher` by dispatching locally.
func (b *Broker) Publish(ctx context.Context, e *Event) error {
	b.Dispatch(e)
	return nil
}

// Dispatch queues e to every open subscription of its scope, returns number of receivers.
// It never blocks on slow subscribers.
func (b *Broker) Dispatch(e *Event) int {
	b.RLock()
	defer b.RUnlock()
	v := b.subs[e.Scope]
	for _, s := range v {
		s.push(e)
	}
	return len(v)
}

// Len returns the number of open subscriptions to the scope.
func (b *Broker) Len(key scope.Key) int {
	b.RLock()
	defer b.RUnlock()
	return len(b.subs[key])
}

// Close cancels all subscriptions.
func (b *Broker) Close() {
	b.RLock()
	var all []*Subscription
	for _, v := range b.subs {
		for _, s := range v {
			all = append(all, s)
		}
	}
	b.RUnlock()

	for _, s := range all {
		s.Cancel()
	}
}

// Subscription delivers the events of one scope in publish order through C.
// Publishers never wait for the reader: up to MaxPending events are queued, then the
// subscription is cancelled and Err reports ErrLagged.
type Subscription struct {
	broker *Broker
	id     uint64
	key    scope.Key

	mu     sync.Mutex
	queue  []*Event
	closed bool
	lagged bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
	c      chan *Event
}

func (s *Subscription) Scope() scope.Key {
	return s.key
}

// C returns the delta channel. It is closed by Cancel.
func (s *Subscription) C() <-chan *Event {
	return s.c
}

func (s *Subscription) push(e *Event) {
	s.mu.Lock()
	if s.closed || s.lagged {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= MaxPending {
		s.lagged = true
		s.queue = nil
		s.mu.Unlock()
		glog.Warningf("feed: subscription %d of `%s` fell behind, cancelling", s.id, s.key)
		// the broker lock is held by Dispatch.
		go s.Cancel()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.exited)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.c <- e:
		case <-s.done:
			return
		}
	}
}

// Err returns ErrLagged if the subscription was cancelled for falling behind.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lagged {
		return ErrLagged
	}
	return nil
}

// Cancel stops delivery. When it returns no further event is sent on C, and C is closed.
// It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.exited
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.broker.remove(s)
	close(s.done)
	<-s.exited
	close(s.c)

	subscriptionsGauge.Dec()
	glog.V(5).Infof("feed: cancelled %d of `%s`", s.id, s.key)
}
